package detect_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/calder/remedy/internal/detect"
)

type staticLister struct {
	files []string
}

func (l *staticLister) ListProjectFiles() []string {
	return l.files
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanFindsKnownPatterns(t *testing.T) {
	dir := t.TempDir()
	log := writeFile(t, dir, "run.log",
		"starting\n"+
			"TypeError: unsupported operand type\n"+
			"all good\n"+
			"[ERROR] worker crashed\n")

	s := detect.NewScanner(&staticLister{files: []string{log}}, testLogger())
	found := s.Scan()
	if len(found) != 2 {
		t.Fatalf("found %d errors, want 2", len(found))
	}

	if found[0].ErrorType != "TypeError" || found[0].LineNumber != 2 {
		t.Fatalf("first = %s at line %d", found[0].ErrorType, found[0].LineNumber)
	}
	if found[0].Message != "unsupported operand type" {
		t.Fatalf("message = %q", found[0].Message)
	}
	if found[1].ErrorType != "RuntimeError" || found[1].Message != "worker crashed" {
		t.Fatalf("second = %s %q", found[1].ErrorType, found[1].Message)
	}
	if found[0].ID == "" || found[0].ID == found[1].ID {
		t.Fatal("errors must get distinct ids")
	}
}

func TestScanSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.log", "ValueError: bad input\n")
	missing := filepath.Join(dir, "gone.log")

	s := detect.NewScanner(&staticLister{files: []string{missing, good}}, testLogger())
	found := s.Scan()
	if len(found) != 1 || found[0].ErrorType != "ValueError" {
		t.Fatalf("found = %+v", found)
	}
}

func TestAnalyzeOutputLocationAndContext(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "app.py",
		"import os\n"+
			"\n"+
			"def main(:\n"+
			"    pass\n")

	s := detect.NewScanner(&staticLister{}, testLogger())
	a := s.AnalyzeOutput(
		"Traceback (most recent call last):\n" +
			"  File \"" + src + "\", line 3\n" +
			"SyntaxError: invalid syntax\n")
	if a == nil {
		t.Fatal("expected analysis")
	}
	if a.ErrorType != "SyntaxError" || a.Message != "invalid syntax" {
		t.Fatalf("parsed %s %q", a.ErrorType, a.Message)
	}
	if a.FilePath != src || a.LineNumber != 3 {
		t.Fatalf("location = %s:%d", a.FilePath, a.LineNumber)
	}
	if a.Context.ErrorLine != "def main(:" {
		t.Fatalf("error line = %q", a.Context.ErrorLine)
	}
	if len(a.Context.Before) != 2 {
		t.Fatalf("before = %v", a.Context.Before)
	}
}

func TestAnalyzeOutputSuggestions(t *testing.T) {
	s := detect.NewScanner(&staticLister{}, testLogger())

	a := s.AnalyzeOutput("ImportError: No module named 'requests'")
	if a == nil || len(a.Suggestions) != 1 {
		t.Fatalf("analysis = %+v", a)
	}
	if a.Suggestions[0].Type != "install_package" {
		t.Fatalf("suggestion = %q", a.Suggestions[0].Type)
	}
	if a.Suggestions[0].Change.New != "pip install requests" {
		t.Fatalf("change = %q", a.Suggestions[0].Change.New)
	}

	a = s.AnalyzeOutput("TypeError: must be str, not int")
	if a == nil || len(a.Suggestions) != 1 || a.Suggestions[0].Type != "add_str_conversion" {
		t.Fatalf("analysis = %+v", a)
	}
}

func TestAnalyzeOutputNoMatch(t *testing.T) {
	s := detect.NewScanner(&staticLister{}, testLogger())
	if a := s.AnalyzeOutput("everything is fine"); a != nil {
		t.Fatalf("expected nil, got %+v", a)
	}
}

func TestSimilarNames(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"append", "apend", true},
		{"append", "append", true},
		{"lenght", "length", true},
		{"append", "extend", false},
		{"a", "abcdef", false},
	}
	for _, c := range cases {
		if got := detect.SimilarNames(c.a, c.b); got != c.want {
			t.Errorf("SimilarNames(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
