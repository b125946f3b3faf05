package report_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/report"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleError() *errstore.Error {
	return &errstore.Error{
		ID:         "err-1",
		ErrorType:  "SyntaxError",
		Message:    "invalid syntax",
		FilePath:   "app.py",
		LineNumber: 3,
		Severity:   errstore.SeverityHigh,
		Status:     errstore.StatusFixed,
		MaxRetries: 3,
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sampleFix() *errstore.Fix {
	fixedAt := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	return &errstore.Fix{
		ErrorID: "err-1",
		Success: true,
		Message: "fixed SyntaxError: invalid syntax",
		FixType: "add_colon",
		Changes: []errstore.Change{
			{Type: "replace", Old: "def main()", New: "def main():"},
		},
		BackupPath: "backups/app.py.bak",
		FixedAt:    &fixedAt,
	}
}

func TestGenerateWritesPair(t *testing.T) {
	dir := t.TempDir()
	w, err := report.NewWriter(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	r, err := w.Generate(sampleError(), sampleFix(), &report.Context{LineContent: "def main()"})
	if err != nil {
		t.Fatal(err)
	}
	if r.ReportType != "error_fix" || r.Status != errstore.StatusFixed {
		t.Fatalf("report = %+v", r)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var md, js int
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".md":
			md++
		case ".json":
			js++
		}
	}
	if md != 1 || js != 1 {
		t.Fatalf("wrote %d md and %d json files, want 1 each", md, js)
	}
}

func TestMarkdownSections(t *testing.T) {
	md := report.Markdown(&report.Report{
		Error:           *sampleError(),
		Fix:             sampleFix(),
		Context:         &report.Context{LineContent: "def main()", FunctionName: "main"},
		Timestamp:       time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC),
		ReportType:      "error_fix",
		Status:          errstore.StatusFixed,
		Recommendations: []string{"run the test suite"},
	})

	for _, want := range []string{
		"# Error Report",
		"- **Type:** SyntaxError",
		"- **Fix Attempts:** 0/3",
		"## Fix Details",
		"- def main()",
		"+ def main():",
		"### Function: main",
		"- run the test suite",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestRecentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := report.NewWriter(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Generate(sampleError(), sampleFix(), nil); err != nil {
		t.Fatal(err)
	}

	got := w.Recent(10)
	if len(got) != 1 {
		t.Fatalf("loaded %d reports, want 1", len(got))
	}
	r := got[0]
	if r.Error.ID != "err-1" || r.Error.ErrorType != "SyntaxError" {
		t.Fatalf("error = %+v", r.Error)
	}
	if r.Fix == nil || r.Fix.FixType != "add_colon" || len(r.Fix.Changes) != 1 {
		t.Fatalf("fix = %+v", r.Fix)
	}
	if !r.Error.CreatedAt.Equal(sampleError().CreatedAt) {
		t.Fatalf("created at = %v", r.Error.CreatedAt)
	}
}

func TestRecentSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	w, err := report.NewWriter(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Generate(sampleError(), nil, nil); err != nil {
		t.Fatal(err)
	}
	// Missing required error fields must fail validation.
	bad := filepath.Join(dir, "error_report_20250601_000000_deadbeef.json")
	if err := os.WriteFile(bad, []byte(`{"timestamp": "x", "report_type": "error_fix", "status": "fixed"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	// Not a report file at all.
	if err := os.WriteFile(filepath.Join(dir, "notes.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got := w.Recent(10)
	if len(got) != 1 {
		t.Fatalf("loaded %d reports, want 1 valid", len(got))
	}
}

func TestRecentLimitAndOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := report.NewWriter(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		e := sampleError()
		e.ID = "err-" + string(rune('a'+i))
		if _, err := w.Generate(e, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	got := w.Recent(2)
	if len(got) != 2 {
		t.Fatalf("loaded %d reports, want 2", len(got))
	}
}

func TestAnalyze(t *testing.T) {
	fixed := &report.Report{Error: *sampleError(), Fix: sampleFix(), Status: errstore.StatusFixed}

	failedErr := sampleError()
	failedErr.ID = "err-2"
	failedErr.Status = errstore.StatusFailed
	failedErr.ErrorType = "ImportError"
	failed := &report.Report{Error: *failedErr, Status: errstore.StatusFailed}

	a := report.Analyze([]*report.Report{fixed, failed})
	if a.TotalErrors != 2 || a.FixedErrors != 1 || a.FailedErrors != 1 {
		t.Fatalf("analysis = %+v", a)
	}
	if a.ErrorTypes["SyntaxError"] != 1 || a.ErrorTypes["ImportError"] != 1 {
		t.Fatalf("error types = %v", a.ErrorTypes)
	}
	if a.FixTypes["add_colon"] != 1 {
		t.Fatalf("fix types = %v", a.FixTypes)
	}
	if a.CommonFiles["app.py"] != 2 {
		t.Fatalf("common files = %v", a.CommonFiles)
	}
	if a.AvgFixTime != 30 {
		t.Fatalf("avg fix time = %v, want 30s", a.AvgFixTime)
	}
	if a.SuccessRate != 50 {
		t.Fatalf("success rate = %v", a.SuccessRate)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	a := report.Analyze(nil)
	if a.TotalErrors != 0 || a.SuccessRate != 0 {
		t.Fatalf("analysis = %+v", a)
	}
}
