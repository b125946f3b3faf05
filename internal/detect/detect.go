// Package detect finds errors in project source files and tool output.
package detect

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/shared"
)

// pattern maps an error type to the regexp that recognizes it in a line of
// output. Order matters: the first match wins.
type pattern struct {
	errorType string
	re        *regexp.Regexp
}

var outputPatterns = []pattern{
	{"SyntaxError", regexp.MustCompile(`SyntaxError: (.*)`)},
	{"IndentationError", regexp.MustCompile(`IndentationError: (.*)`)},
	{"ImportError", regexp.MustCompile(`(?:ImportError|ModuleNotFoundError): (.*)`)},
	{"AttributeError", regexp.MustCompile(`AttributeError: (.*)`)},
	{"TypeError", regexp.MustCompile(`TypeError: (.*)`)},
	{"NameError", regexp.MustCompile(`NameError: (.*)`)},
	{"ValueError", regexp.MustCompile(`ValueError: (.*)`)},
	{"AssertionError", regexp.MustCompile(`AssertionError: (.*)`)},
	{"RuntimeError", regexp.MustCompile(`(?:RuntimeError: |\[ERROR\] )(.*)`)},
}

// locationRe matches traceback frames such as `File "app.py", line 12`.
var locationRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)

// Lister enumerates project files eligible for scanning.
type Lister interface {
	ListProjectFiles() []string
}

// Scanner detects errors across monitored project paths.
type Scanner struct {
	lister Lister
	logger *slog.Logger
}

// NewScanner creates a Scanner that walks files via the given lister.
func NewScanner(lister Lister, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		lister: lister,
		logger: logger.With("component", "detect"),
	}
}

// Scan walks the project and returns every error found in its files.
// Unreadable files are logged and skipped.
func (s *Scanner) Scan() []*errstore.Error {
	var found []*errstore.Error
	for _, path := range s.lister.ListProjectFiles() {
		errs, err := s.scanFile(path)
		if err != nil {
			s.logger.Error("file scan failed", "path", path, "error", err)
			continue
		}
		found = append(found, errs...)
	}
	return found
}

// ScanFiles scans only the given paths.
func (s *Scanner) ScanFiles(paths []string) []*errstore.Error {
	var found []*errstore.Error
	for _, path := range paths {
		errs, err := s.scanFile(path)
		if err != nil {
			s.logger.Error("file scan failed", "path", path, "error", err)
			continue
		}
		found = append(found, errs...)
	}
	return found
}

func (s *Scanner) scanFile(path string) ([]*errstore.Error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []*errstore.Error
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		for _, p := range outputPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			found = append(found, &errstore.Error{
				ID:         shared.NewID(),
				ErrorType:  p.errorType,
				Message:    m[len(m)-1],
				FilePath:   path,
				LineNumber: lineNo,
				Severity:   errstore.SeverityHigh,
				Traceback:  line,
			})
			break
		}
	}
	if err := sc.Err(); err != nil {
		return found, err
	}
	return found, nil
}

// Analysis is the structured result of parsing a block of error output.
type Analysis struct {
	ErrorType   string
	Message     string
	FilePath    string
	LineNumber  int
	Context     Context
	Suggestions []Suggestion
}

// Context is the source text around an error location.
type Context struct {
	Before    []string
	ErrorLine string
	After     []string
}

// Suggestion is a candidate remediation derived from static analysis.
type Suggestion struct {
	Type        string
	Description string
	Change      errstore.Change
}

// AnalyzeOutput parses raw tool output (a traceback, a linter report) into a
// structured analysis. Returns nil when no known error shape is present.
func (s *Scanner) AnalyzeOutput(output string) *Analysis {
	errorType, message := parseErrorLine(output)
	if errorType == "" {
		return nil
	}

	a := &Analysis{ErrorType: errorType, Message: message}

	if m := locationRe.FindStringSubmatch(output); m != nil {
		a.FilePath = m[1]
		a.LineNumber, _ = strconv.Atoi(m[2])
		ctx, err := readContext(a.FilePath, a.LineNumber)
		if err != nil {
			s.logger.Warn("context unavailable", "path", a.FilePath, "error", err)
		} else {
			a.Context = ctx
		}
	}

	a.Suggestions = suggestFixes(errorType, message, a.Context.ErrorLine)
	return a
}

func parseErrorLine(output string) (string, string) {
	for _, line := range strings.Split(output, "\n") {
		for _, p := range outputPatterns {
			if m := p.re.FindStringSubmatch(line); m != nil {
				return p.errorType, m[len(m)-1]
			}
		}
	}
	return "", ""
}

// readContext pulls three lines of source either side of the error line.
func readContext(path string, line int) (Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Context{}, err
	}
	lines := strings.Split(string(data), "\n")
	if line < 1 || line > len(lines) {
		return Context{}, fmt.Errorf("line %d out of range for %s", line, path)
	}

	start := line - 4
	if start < 0 {
		start = 0
	}
	end := line + 3
	if end > len(lines) {
		end = len(lines)
	}
	return Context{
		Before:    append([]string(nil), lines[start:line-1]...),
		ErrorLine: lines[line-1],
		After:     append([]string(nil), lines[line:end]...),
	}, nil
}

// suggestFixes derives candidate edits from the error type and the offending
// line.
func suggestFixes(errorType, message, errorLine string) []Suggestion {
	var out []Suggestion
	trimmed := strings.TrimSpace(errorLine)

	switch errorType {
	case "SyntaxError", "IndentationError":
		if !strings.Contains(errorLine, ":") && hasBlockKeyword(trimmed) {
			out = append(out, Suggestion{
				Type:        "add_colon",
				Description: "add missing colon",
				Change:      errstore.Change{Type: "append", New: ":"},
			})
		}
		if strings.Contains(errorLine, "(") && !strings.Contains(errorLine, ")") {
			out = append(out, Suggestion{
				Type:        "add_parenthesis",
				Description: "add missing closing parenthesis",
				Change:      errstore.Change{Type: "append", New: ")"},
			})
		} else if strings.Contains(errorLine, ")") && !strings.Contains(errorLine, "(") {
			out = append(out, Suggestion{
				Type:        "add_parenthesis",
				Description: "add missing opening parenthesis",
				Change:      errstore.Change{Type: "prepend", New: "("},
			})
		}
		if strings.Count(errorLine, `"`)%2 != 0 || strings.Count(errorLine, "'")%2 != 0 {
			out = append(out, Suggestion{
				Type:        "fix_quotes",
				Description: "balance string quotes",
				Change: errstore.Change{
					Type: "replace",
					Old:  errorLine,
					New:  strings.ReplaceAll(errorLine, `"`, "'"),
				},
			})
		}
	case "ImportError":
		if module, ok := quotedName(message); ok {
			out = append(out, Suggestion{
				Type:        "install_package",
				Description: "install missing package " + module,
				Change:      errstore.Change{Type: "command", New: "pip install " + module},
			})
		}
	case "TypeError":
		switch {
		case strings.Contains(message, "must be str, not"):
			out = append(out, Suggestion{
				Type:        "add_str_conversion",
				Description: "convert value to string",
				Change:      errstore.Change{Type: "wrap", New: "str()"},
			})
		case strings.Contains(message, "must be int, not"):
			out = append(out, Suggestion{
				Type:        "add_int_conversion",
				Description: "convert value to integer",
				Change:      errstore.Change{Type: "wrap", New: "int()"},
			})
		case strings.Contains(message, "not callable") && !strings.Contains(errorLine, "("):
			out = append(out, Suggestion{
				Type:        "add_call",
				Description: "add function call parentheses",
				Change:      errstore.Change{Type: "append", New: "()"},
			})
		}
	case "AttributeError":
		if attr, ok := quotedName(message); ok {
			out = append(out, Suggestion{
				Type:        "add_property",
				Description: "add missing attribute " + attr,
				Change:      errstore.Change{Type: "append", New: "\n    " + attr + " = None"},
			})
		}
	}
	return out
}

func hasBlockKeyword(line string) bool {
	for _, kw := range []string{"def ", "class ", "if ", "for ", "while ", "func ", "switch ", "select "} {
		if strings.HasPrefix(line, kw) {
			return true
		}
	}
	return false
}

// quotedName extracts the last single-quoted token from a message such as
// `No module named 'requests'`.
func quotedName(message string) (string, bool) {
	parts := strings.Split(message, "'")
	if len(parts) < 3 {
		return "", false
	}
	return parts[len(parts)-2], true
}

// SimilarNames reports whether two identifiers are within two edits of each
// other, the usual typo distance.
func SimilarNames(a, b string) bool {
	d := len(a) - len(b)
	if d < -2 || d > 2 {
		return false
	}
	return levenshtein(a, b) <= 2
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
