// Package config loads the daemon configuration from config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchedulesConfig names the cron expressions for the periodic jobs.
type SchedulesConfig struct {
	// StaleSweep fails in-progress tasks older than the stale window.
	StaleSweep string `yaml:"stale_sweep"`
	// ProjectScan re-scans the whole project for errors.
	ProjectScan string `yaml:"project_scan"`
	// ReportRollup aggregates recent reports into an analysis report.
	ReportRollup string `yaml:"report_rollup"`
}

// TelemetryConfig controls the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty uses stdout exporters
}

type Config struct {
	HomeDir string `yaml:"-"`

	// ProjectRoot is the directory the engine watches and remediates.
	ProjectRoot string `yaml:"project_root"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	WorkerCount int `yaml:"worker_count"`
	MaxRetries  int `yaml:"max_retries"`

	// StaleTaskSeconds is how long an in_progress task may run before the
	// sweep fails it.
	StaleTaskSeconds int `yaml:"stale_task_seconds"`

	// SampleIntervalMillis is the agent metrics sampling cadence.
	SampleIntervalMillis int `yaml:"sample_interval_millis"`

	// DebounceMillis collapses bursts of file change events.
	DebounceMillis int `yaml:"debounce_millis"`

	// Exclusions are extra path patterns skipped by the guard, on top of
	// the built-in set.
	Exclusions []string `yaml:"exclusions"`

	DBPath     string `yaml:"db_path"`
	ReportsDir string `yaml:"reports_dir"`
	BackupsDir string `yaml:"backups_dir"`

	Schedules SchedulesConfig `yaml:"schedules"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:             "info",
		WorkerCount:          4,
		MaxRetries:           3,
		StaleTaskSeconds:     300,
		SampleIntervalMillis: 100,
		DebounceMillis:       500,
		Schedules: SchedulesConfig{
			StaleSweep:   "*/1 * * * *",
			ProjectScan:  "*/10 * * * *",
			ReportRollup: "0 * * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "remedy",
		},
	}
}

// HomeDir resolves the daemon's home directory, REMEDY_HOME overriding the
// default under the user's home.
func HomeDir() string {
	if override := os.Getenv("REMEDY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".remedy")
}

// Load reads config.yaml from the home directory, then applies environment
// overrides and defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create remedy home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("REMEDY_PROJECT_ROOT"); raw != "" {
		cfg.ProjectRoot = raw
	}
	if raw := os.Getenv("REMEDY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("REMEDY_WORKER_COUNT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = n
		}
	}
	if raw := os.Getenv("REMEDY_MAX_RETRIES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetries = n
		}
	}
	if raw := os.Getenv("REMEDY_STALE_TASK_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.StaleTaskSeconds = n
		}
	}
	if raw := os.Getenv("REMEDY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("REMEDY_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.OTLPEndpoint = raw
		cfg.Telemetry.Enabled = true
	}
}

func normalize(cfg *Config) {
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = "."
	}
	if abs, err := filepath.Abs(cfg.ProjectRoot); err == nil {
		cfg.ProjectRoot = abs
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StaleTaskSeconds <= 0 {
		cfg.StaleTaskSeconds = 300
	}
	if cfg.SampleIntervalMillis <= 0 {
		cfg.SampleIntervalMillis = 100
	}
	if cfg.DebounceMillis <= 0 {
		cfg.DebounceMillis = 500
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "remedy.db")
	}
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = filepath.Join(cfg.HomeDir, "reports")
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Schedules.StaleSweep == "" {
		cfg.Schedules.StaleSweep = "*/1 * * * *"
	}
	if cfg.Schedules.ProjectScan == "" {
		cfg.Schedules.ProjectScan = "*/10 * * * *"
	}
	if cfg.Schedules.ReportRollup == "" {
		cfg.Schedules.ReportRollup = "0 * * * *"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "remedy"
	}
}

func validate(cfg *Config) error {
	for _, pattern := range cfg.Exclusions {
		if strings.ContainsAny(pattern, "/\\") {
			return fmt.Errorf("exclusion %q must be a bare name or glob, not a path", pattern)
		}
	}
	if cfg.WorkerCount > 64 {
		return fmt.Errorf("worker_count %d exceeds the limit of 64", cfg.WorkerCount)
	}
	return nil
}
