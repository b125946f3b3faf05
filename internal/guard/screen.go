package guard

import (
	"os"
	"regexp"

	"github.com/calder/remedy/internal/errstore"
)

// screenPattern is one denylisted construct a proposed fix must not contain.
type screenPattern struct {
	re     *regexp.Regexp
	reason string
}

// fixDenylist screens proposed fix content before it is written. This is a
// syntactic pre-write check, not sandboxed execution: it rejects dynamic code
// execution, shell invocation, subprocess spawning and unguarded deletion.
var fixDenylist = []screenPattern{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code execution (eval)"},
	{regexp.MustCompile(`\bexec\s*\(`), "dynamic code execution (exec)"},
	{regexp.MustCompile(`__import__\s*\(`), "dynamic import"},
	{regexp.MustCompile(`\bos\.system\s*\(`), "shell invocation"},
	{regexp.MustCompile(`\bsubprocess\.(Popen|call|run|check_output)\b`), "subprocess spawn"},
	{regexp.MustCompile(`\bexec\.Command\s*\(`), "subprocess spawn"},
	{regexp.MustCompile(`\bsyscall\.Exec\s*\(`), "process replacement"},
	{regexp.MustCompile(`\bshutil\.rmtree\s*\(`), "recursive deletion"},
	{regexp.MustCompile(`\bos\.RemoveAll\s*\(`), "recursive deletion"},
	{regexp.MustCompile(`\brm\s+-rf?\b`), "unguarded deletion"},
	{regexp.MustCompile(`\b(os\.remove|os\.unlink|os\.rmdir)\s*\(`), "unguarded deletion"},
}

// ScanProject walks the project files and counts denylisted constructs.
// Returns a 0-100 posture score and the number of offending files.
func (g *Guard) ScanProject() (score, vulnerable int) {
	for _, path := range g.ListProjectFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, pat := range fixDenylist {
			if pat.re.Match(data) {
				vulnerable++
				g.logger.Warn("dangerous construct in project file",
					"file", path, "reason", pat.reason)
				break
			}
		}
	}
	score = 100 - 10*vulnerable
	if score < 0 {
		score = 0
	}
	return score, vulnerable
}

// VerifyFix reports whether a proposed fix for the given error is safe to
// write: the target file must be inside the guarded boundary and the content
// must match none of the denylisted constructs.
func (g *Guard) VerifyFix(e *errstore.Error, content string) bool {
	if e == nil {
		return false
	}
	if !g.IsAllowed(e.FilePath) {
		g.logger.Warn("fix rejected: target outside boundary", "file", e.FilePath)
		return false
	}
	for _, pat := range fixDenylist {
		if pat.re.MatchString(content) {
			g.logger.Warn("fix rejected: dangerous construct",
				"file", e.FilePath, "reason", pat.reason)
			return false
		}
	}
	return true
}
