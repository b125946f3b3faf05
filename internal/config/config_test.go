package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMEDY_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "info" || cfg.WorkerCount != 4 || cfg.MaxRetries != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.StaleTaskSeconds != 300 || cfg.SampleIntervalMillis != 100 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "remedy.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Schedules.StaleSweep == "" || cfg.Schedules.ProjectScan == "" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if !filepath.IsAbs(cfg.ProjectRoot) {
		t.Fatalf("project root not absolute: %q", cfg.ProjectRoot)
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REMEDY_HOME", home)

	yaml := `
project_root: /tmp/proj
log_level: debug
worker_count: 8
stale_task_seconds: 120
exclusions:
  - "*.generated.py"
schedules:
  stale_sweep: "*/5 * * * *"
telemetry:
  enabled: true
  service_name: remedy-test
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProjectRoot != "/tmp/proj" || cfg.LogLevel != "debug" || cfg.WorkerCount != 8 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.StaleTaskSeconds != 120 {
		t.Fatalf("stale window = %d", cfg.StaleTaskSeconds)
	}
	if len(cfg.Exclusions) != 1 || cfg.Exclusions[0] != "*.generated.py" {
		t.Fatalf("exclusions = %v", cfg.Exclusions)
	}
	if cfg.Schedules.StaleSweep != "*/5 * * * *" {
		t.Fatalf("stale sweep = %q", cfg.Schedules.StaleSweep)
	}
	// Unset schedule fields keep their defaults.
	if cfg.Schedules.ProjectScan != "*/10 * * * *" {
		t.Fatalf("project scan = %q", cfg.Schedules.ProjectScan)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "remedy-test" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REMEDY_HOME", t.TempDir())
	t.Setenv("REMEDY_PROJECT_ROOT", "/tmp/other")
	t.Setenv("REMEDY_LOG_LEVEL", "warn")
	t.Setenv("REMEDY_WORKER_COUNT", "2")
	t.Setenv("REMEDY_OTLP_ENDPOINT", "localhost:4318")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProjectRoot != "/tmp/other" || cfg.LogLevel != "warn" || cfg.WorkerCount != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.OTLPEndpoint != "localhost:4318" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestValidateRejectsPathExclusion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REMEDY_HOME", home)

	yaml := "exclusions:\n  - \"src/gen\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for path exclusion")
	}
}

func TestValidateRejectsWorkerCount(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REMEDY_HOME", home)

	yaml := "worker_count: 100\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for worker count")
	}
}

func TestNormalizeClampsZeroValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REMEDY_HOME", home)

	yaml := "worker_count: -1\nmax_retries: 0\ndebounce_millis: 0\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerCount != 4 || cfg.MaxRetries != 3 || cfg.DebounceMillis != 500 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
