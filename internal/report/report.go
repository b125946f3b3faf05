// Package report renders remediation reports as paired markdown and JSON
// files and analyzes them for recurring patterns.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/shared"
)

// reportSchema is validated on every load so corrupt or hand-edited report
// files are skipped instead of poisoning the analysis.
const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["error", "timestamp", "report_type", "status"],
  "properties": {
    "error": {
      "type": "object",
      "required": ["id", "error_type", "message", "file_path", "line_number"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "error_type": {"type": "string", "minLength": 1},
        "message": {"type": "string"},
        "file_path": {"type": "string"},
        "line_number": {"type": "integer", "minimum": 0}
      }
    },
    "timestamp": {"type": "string"},
    "report_type": {"type": "string"},
    "status": {"type": "string", "enum": ["pending", "in_progress", "fixed", "failed"]}
  }
}`

// Context is the source surroundings captured with a report.
type Context struct {
	FileContent  string   `json:"file_content,omitempty"`
	LineContent  string   `json:"line_content,omitempty"`
	LineNumber   int      `json:"line_number,omitempty"`
	FunctionName string   `json:"function_name,omitempty"`
	ClassName    string   `json:"class_name,omitempty"`
	Imports      []string `json:"imports,omitempty"`
}

// Report pairs an error with its fix outcome and context.
type Report struct {
	Error           errstore.Error  `json:"error"`
	Fix             *errstore.Fix   `json:"fix,omitempty"`
	Context         *Context        `json:"context,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ReportType      string          `json:"report_type"`
	Status          errstore.Status `json:"status"`
	Metrics         map[string]any  `json:"metrics,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// Writer persists reports under a directory.
type Writer struct {
	dir    string
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal report schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("report.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("report.json")
	if err != nil {
		return nil, fmt.Errorf("compile report schema: %w", err)
	}
	return &Writer{
		dir:    dir,
		schema: schema,
		logger: logger.With("component", "report"),
	}, nil
}

// Generate builds a report for the error and writes the markdown/JSON pair.
func (w *Writer) Generate(e *errstore.Error, fix *errstore.Fix, ctx *Context) (*Report, error) {
	r := &Report{
		Error:      *e,
		Fix:        fix,
		Context:    ctx,
		Timestamp:  time.Now().UTC(),
		ReportType: "error_fix",
		Status:     e.Status,
	}
	if err := w.Save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Save writes the report as a timestamped markdown file plus a JSON twin for
// machine processing. Returns nil on success.
func (w *Writer) Save(r *Report) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating reports dir: %w", err)
	}

	stamp := r.Timestamp.Format("20060102_150405")
	base := fmt.Sprintf("error_report_%s_%s", stamp, shared.NewID()[:8])

	mdPath := filepath.Join(w.dir, base+".md")
	if err := os.WriteFile(mdPath, []byte(Markdown(r)), 0o644); err != nil {
		return fmt.Errorf("writing markdown report: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	jsonPath := filepath.Join(w.dir, base+".json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("writing json report: %w", err)
	}

	w.logger.Info("report saved", "error_id", r.Error.ID, "path", mdPath)
	return nil
}

// Recent loads up to limit reports, newest first. Files that fail schema
// validation are logged and skipped.
func (w *Writer) Recent(limit int) []*Report {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "error_report_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(w.dir, name), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	var reports []*Report
	for _, f := range files {
		if limit > 0 && len(reports) >= limit {
			break
		}
		r, err := w.load(f.path)
		if err != nil {
			w.logger.Error("report load failed", "path", f.path, "error", err)
			continue
		}
		reports = append(reports, r)
	}
	return reports
}

func (w *Writer) load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := w.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &r, nil
}

// Markdown renders the report in the canonical markdown layout.
func Markdown(r *Report) string {
	var b strings.Builder
	b.WriteString("# Error Report\n\n")
	b.WriteString("## Overview\n\n")
	fmt.Fprintf(&b, "- **Timestamp:** %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Type:** %s\n", r.Error.ErrorType)
	fmt.Fprintf(&b, "- **Status:** %s\n", r.Error.Status)
	fmt.Fprintf(&b, "- **Severity:** %s\n\n", r.Error.Severity)

	b.WriteString("## Error Details\n\n")
	fmt.Fprintf(&b, "- **Message:** %s\n", r.Error.Message)
	fmt.Fprintf(&b, "- **File:** %s\n", r.Error.FilePath)
	fmt.Fprintf(&b, "- **Line:** %d\n", r.Error.LineNumber)
	fmt.Fprintf(&b, "- **Fix Attempts:** %d/%d\n\n", r.Error.FixAttempts, r.Error.MaxRetries)

	if r.Error.Traceback != "" {
		b.WriteString("## Traceback\n\n```\n")
		b.WriteString(r.Error.Traceback)
		b.WriteString("\n```\n\n")
	}

	if r.Context != nil {
		b.WriteString("## Context\n\n### Code\n\n```\n")
		b.WriteString(r.Context.LineContent)
		b.WriteString("\n```\n\n")
		if r.Context.FunctionName != "" {
			fmt.Fprintf(&b, "### Function: %s\n", r.Context.FunctionName)
		}
		if len(r.Context.Imports) > 0 {
			b.WriteString("\n### Imports\n\n```\n")
			b.WriteString(strings.Join(r.Context.Imports, "\n"))
			b.WriteString("\n```\n\n")
		}
	}

	if r.Fix != nil {
		b.WriteString("## Fix Details\n\n")
		fmt.Fprintf(&b, "- **Type:** %s\n", r.Fix.FixType)
		fmt.Fprintf(&b, "- **Success:** %t\n", r.Fix.Success)
		if r.Fix.FixedAt != nil {
			fmt.Fprintf(&b, "- **Fixed At:** %s\n", r.Fix.FixedAt.Format(time.RFC3339))
		}
		if r.Fix.BackupPath != "" {
			fmt.Fprintf(&b, "- **Backup:** %s\n", r.Fix.BackupPath)
		}
		b.WriteString("\n### Changes\n\n")
		for _, change := range r.Fix.Changes {
			fmt.Fprintf(&b, "#### %s\n\n```diff\n- %s\n+ %s\n```\n\n", change.Type, change.Old, change.New)
		}
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}

	return b.String()
}

// Analysis is the aggregate view over a set of reports.
type Analysis struct {
	TotalErrors  int            `json:"total_errors"`
	FixedErrors  int            `json:"fixed_errors"`
	FailedErrors int            `json:"failed_errors"`
	ErrorTypes   map[string]int `json:"error_types"`
	FixTypes     map[string]int `json:"fix_types"`
	CommonFiles  map[string]int `json:"common_files"`
	AvgFixTime   float64        `json:"avg_fix_time"`
	SuccessRate  float64        `json:"success_rate"`
}

// Analyze aggregates reports into counts, the average fix latency in seconds
// and the overall success rate.
func Analyze(reports []*Report) Analysis {
	a := Analysis{
		TotalErrors: len(reports),
		ErrorTypes:  make(map[string]int),
		FixTypes:    make(map[string]int),
		CommonFiles: make(map[string]int),
	}

	var fixTimes []float64
	for _, r := range reports {
		switch r.Error.Status {
		case errstore.StatusFixed:
			a.FixedErrors++
		case errstore.StatusFailed:
			a.FailedErrors++
		}
		a.ErrorTypes[r.Error.ErrorType]++
		a.CommonFiles[r.Error.FilePath]++
		if r.Fix != nil {
			a.FixTypes[r.Fix.FixType]++
			if r.Fix.FixedAt != nil && !r.Error.CreatedAt.IsZero() {
				fixTimes = append(fixTimes, r.Fix.FixedAt.Sub(r.Error.CreatedAt).Seconds())
			}
		}
	}

	if len(fixTimes) > 0 {
		var sum float64
		for _, t := range fixTimes {
			sum += t
		}
		a.AvgFixTime = sum / float64(len(fixTimes))
	}
	if a.TotalErrors > 0 {
		a.SuccessRate = float64(a.FixedErrors) / float64(a.TotalErrors) * 100
	}
	return a
}
