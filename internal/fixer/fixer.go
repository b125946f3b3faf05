// Package fixer applies automated remediations to detected errors. Every
// write is screened by the guard and preceded by a backup.
package fixer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/calder/remedy/internal/errstore"
)

// Guard screens fixer writes. Satisfied by *guard.Guard.
type Guard interface {
	Validate(op, path string) bool
	VerifyFix(e *errstore.Error, content string) bool
}

// Fixer holds the per-type remediation strategies.
type Fixer struct {
	guard     Guard
	backupDir string
	logger    *slog.Logger

	strategies map[string]strategy
}

// strategy rewrites the offending line; changed is false when the strategy
// has nothing to offer.
type strategy func(line, message string) (fixed string, fixType string, changed bool)

// New creates a Fixer writing backups under backupDir.
func New(g Guard, backupDir string, logger *slog.Logger) *Fixer {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fixer{
		guard:     g,
		backupDir: backupDir,
		logger:    logger.With("component", "fixer"),
	}
	f.strategies = map[string]strategy{
		"SyntaxError":      fixSyntax,
		"IndentationError": fixIndentation,
		"ImportError":      fixRelativeImport,
		"TypeError":        fixTypeKeyword,
	}
	return f
}

// Fix attempts to remediate the error in place. A nil Fix with a nil error
// means no strategy applied; the caller decides whether to retry.
func (f *Fixer) Fix(e *errstore.Error) (*errstore.Fix, error) {
	strat, ok := f.strategies[e.ErrorType]
	if !ok {
		f.logger.Warn("no fix strategy", "error_type", e.ErrorType, "error_id", e.ID)
		return nil, nil
	}

	if !f.guard.Validate("write", e.FilePath) {
		return nil, fmt.Errorf("write to %s denied", e.FilePath)
	}

	info, err := os.Stat(e.FilePath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", e.FilePath, err)
	}
	mode := info.Mode().Perm()

	data, err := os.ReadFile(e.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", e.FilePath, err)
	}
	lines := strings.Split(string(data), "\n")
	if e.LineNumber < 1 || e.LineNumber > len(lines) {
		return nil, fmt.Errorf("line %d out of range for %s", e.LineNumber, e.FilePath)
	}
	original := lines[e.LineNumber-1]

	fixed, fixType, changed := strat(original, e.Message)
	if !changed {
		f.logger.Info("strategy produced no change", "error_type", e.ErrorType, "error_id", e.ID)
		return nil, nil
	}

	if !f.guard.VerifyFix(e, fixed) {
		f.logger.Warn("fix rejected by screen", "error_id", e.ID, "fix_type", fixType)
		return nil, fmt.Errorf("fix for %s rejected by safety screen", e.ID)
	}

	backupPath, err := f.backup(e.FilePath, data, mode)
	if err != nil {
		return nil, fmt.Errorf("backing up %s: %w", e.FilePath, err)
	}

	lines[e.LineNumber-1] = fixed
	if err := os.WriteFile(e.FilePath, []byte(strings.Join(lines, "\n")), mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", e.FilePath, err)
	}

	now := time.Now().UTC()
	fix := &errstore.Fix{
		ErrorID: e.ID,
		Success: true,
		Message: fmt.Sprintf("fixed %s: %s", e.ErrorType, e.Message),
		FixType: fixType,
		Changes: []errstore.Change{
			{Type: "replace", Old: original, New: fixed},
		},
		BackupPath: backupPath,
		FixedAt:    &now,
	}
	f.logger.Info("fix applied",
		"error_id", e.ID,
		"fix_type", fixType,
		"path", e.FilePath,
		"line", e.LineNumber)
	return fix, nil
}

// backup writes a timestamped copy of the file before it is modified, keeping
// the original's permission bits.
func (f *Fixer) backup(path string, data []byte, mode os.FileMode) (string, error) {
	if err := os.MkdirAll(f.backupDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(path), time.Now().UTC().Format("20060102T150405"))
	backupPath := filepath.Join(f.backupDir, name)
	if err := os.WriteFile(backupPath, data, mode); err != nil {
		return "", err
	}
	return backupPath, nil
}

// Restore copies a backup over the original path, undoing a bad fix.
func (f *Fixer) Restore(backupPath, originalPath string) error {
	if !f.guard.Validate("write", originalPath) {
		return fmt.Errorf("write to %s denied", originalPath)
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", backupPath, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(originalPath); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(originalPath, data, mode); err != nil {
		return fmt.Errorf("restoring %s: %w", originalPath, err)
	}
	f.logger.Info("backup restored", "path", originalPath, "backup", backupPath)
	return nil
}

// fixSyntax handles the common single-line syntax defects: unbalanced
// brackets, unbalanced quotes, and a missing trailing colon.
func fixSyntax(line, message string) (string, string, bool) {
	if strings.Contains(strings.ToLower(message), "unexpected eof") || unbalanced(line) {
		if fixed, ok := closeBrackets(line); ok {
			return fixed, "close_bracket", true
		}
	}
	if strings.Count(line, `"`)%2 != 0 {
		return line + `"`, "balance_quotes", true
	}
	if strings.Count(line, "'")%2 != 0 {
		return line + "'", "balance_quotes", true
	}
	trimmed := strings.TrimSpace(line)
	if !strings.HasSuffix(trimmed, ":") {
		for _, kw := range []string{"def ", "class ", "if ", "elif ", "else", "for ", "while ", "try", "except", "finally"} {
			if strings.HasPrefix(trimmed, kw) {
				return line + ":", "add_colon", true
			}
		}
	}
	return line, "", false
}

func unbalanced(line string) bool {
	for _, pair := range [][2]string{{"(", ")"}, {"[", "]"}, {"{", "}"}} {
		if strings.Count(line, pair[0]) != strings.Count(line, pair[1]) {
			return true
		}
	}
	return false
}

// closeBrackets appends closers for any opener surplus, innermost first.
func closeBrackets(line string) (string, bool) {
	closers := map[rune]rune{'(': ')', '[': ']', '{': '}'}
	var stack []rune
	for _, r := range line {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) > 0 && closers[stack[len(stack)-1]] == r {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return line, false
	}
	var b strings.Builder
	b.WriteString(line)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteRune(closers[stack[i]])
	}
	return b.String(), true
}

// fixIndentation strips an unexpected indent or adds a missing one.
func fixIndentation(line, message string) (string, string, bool) {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "unexpected indent"):
		fixed := strings.TrimLeft(line, " \t")
		return fixed, "remove_indent", fixed != line
	case strings.Contains(lower, "expected an indented block"):
		return "    " + line, "add_indent", true
	}
	return line, "", false
}

// fixRelativeImport rewrites `from .mod import x` to an absolute import when
// the message names the module.
func fixRelativeImport(line, message string) (string, string, bool) {
	if !strings.Contains(message, "No module named") {
		return line, "", false
	}
	parts := strings.Split(message, "'")
	if len(parts) < 3 {
		return line, "", false
	}
	module := parts[len(parts)-2]
	if !strings.HasPrefix(strings.TrimSpace(line), "from .") {
		return line, "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[2] != "import" {
		return line, "", false
	}
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	fixed := indent + "from " + module + " import " + strings.Join(fields[3:], " ")
	return fixed, "absolute_import", fixed != line
}

// fixTypeKeyword renames a keyword argument the callee no longer accepts,
// driven by messages like `got an unexpected keyword argument 'type'`.
func fixTypeKeyword(line, message string) (string, string, bool) {
	if !strings.Contains(message, "unexpected keyword argument") {
		return line, "", false
	}
	parts := strings.Split(message, "'")
	if len(parts) < 3 {
		return line, "", false
	}
	arg := parts[len(parts)-2]
	old := arg + "="
	if !strings.Contains(line, old) {
		return line, "", false
	}
	fixed := strings.Replace(line, old, "error_"+old, 1)
	return fixed, "rename_keyword", true
}
