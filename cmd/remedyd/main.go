package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/calder/remedy/internal/bus"
	"github.com/calder/remedy/internal/config"
	"github.com/calder/remedy/internal/detect"
	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/fixer"
	"github.com/calder/remedy/internal/guard"
	"github.com/calder/remedy/internal/monitor"
	"github.com/calder/remedy/internal/orchestrator"
	otelPkg "github.com/calder/remedy/internal/otel"
	"github.com/calder/remedy/internal/persistence"
	"github.com/calder/remedy/internal/report"
	"github.com/calder/remedy/internal/runloop"
	"github.com/calder/remedy/internal/sched"
	"github.com/calder/remedy/internal/taskqueue"
	"github.com/calder/remedy/internal/telemetry"
	"github.com/calder/remedy/internal/watch"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// engineAgentID identifies the daemon's own remediation loop in the monitor.
const engineAgentID = "remedy-engine"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Watch the project and remediate errors
  %s -once                    Run a single project scan, fix what it finds, exit
  %s -project <dir>           Override the project root from config.yaml

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  REMEDY_HOME             Data directory (default: ~/.remedy)
  REMEDY_PROJECT_ROOT     Project directory to watch and remediate
  REMEDY_OTLP_ENDPOINT    OTLP collector endpoint (enables telemetry)
`)
}

func main() {
	loadDotEnv(".env")

	once := flag.Bool("once", false, "run one project scan, drain the queue, then exit")
	project := flag.String("project", "", "project root override")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *project != "" {
		abs, err := filepath.Abs(*project)
		if err != nil {
			fatalStartup(nil, "E_PROJECT_ROOT", err)
		}
		cfg.ProjectRoot = abs
	}
	if cfg.ProjectRoot == "" {
		fatalStartup(nil, "E_PROJECT_ROOT", fmt.Errorf("no project root configured; set project_root in config.yaml or pass -project"))
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "project_root", cfg.ProjectRoot, "version", Version)

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	exporter := "stdout"
	if cfg.Telemetry.OTLPEndpoint != "" {
		exporter = "otlp-http"
	}
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    exporter,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	go store.Record(ctx, eventBus)
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	g, err := guard.New(cfg.ProjectRoot, logger, guard.WithExclusions(cfg.Exclusions...))
	if err != nil {
		fatalStartup(logger, "E_GUARD_INIT", err)
	}

	errors := errstore.New(logger)
	queue := taskqueue.New(logger,
		taskqueue.WithStaleWindow(time.Duration(cfg.StaleTaskSeconds)*time.Second),
		taskqueue.WithBus(eventBus))
	scanner := detect.NewScanner(g, logger)
	fx := fixer.New(g, cfg.BackupsDir, logger)
	reports, err := report.NewWriter(cfg.ReportsDir, logger)
	if err != nil {
		fatalStartup(logger, "E_REPORTS_INIT", err)
	}

	loop := runloop.New(logger)
	loop.Start(ctx)

	mon := monitor.New(&engineCollector{errors: errors}, loop, logger,
		monitor.WithSampleInterval(time.Duration(cfg.SampleIntervalMillis)*time.Millisecond),
		monitor.WithScanner(&guardScanner{guard: g}),
		monitor.WithBus(eventBus))
	mon.StartAgent(engineAgentID)
	defer mon.StopAgent(engineAgentID)

	orch := orchestrator.New(orchestrator.Config{
		Guard:      g,
		Errors:     errors,
		Queue:      queue,
		Scanner:    scanner,
		Fixer:      fx,
		Reports:    reports,
		Store:      store,
		Bus:        eventBus,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Logger:     logger,
		Workers:    cfg.WorkerCount,
		MaxRetries: cfg.MaxRetries,
	})
	if err := orch.Restore(ctx); err != nil {
		logger.Warn("restore from db failed; starting empty", "error", err)
	}
	orch.Start(ctx)
	defer orch.Stop()
	logger.Info("startup phase", "phase", "pipeline_started", "workers", cfg.WorkerCount)

	if *once {
		runOnce(ctx, logger, orch, queue, errors)
		return
	}

	watcher := watch.New(cfg.ProjectRoot, g, logger,
		watch.WithDebounce(time.Duration(cfg.DebounceMillis)*time.Millisecond))
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_START", err)
	}
	go func() {
		for batch := range watcher.Events() {
			orch.HandleChanges(ctx, batch)
		}
	}()

	cronSched := sched.NewScheduler(sched.Config{Logger: logger})
	if err := cronSched.Add("stale_sweep", cfg.Schedules.StaleSweep, orch.SweepStale); err != nil {
		fatalStartup(logger, "E_SCHEDULE_PARSE", err)
	}
	if err := cronSched.Add("project_scan", cfg.Schedules.ProjectScan, orch.ScanProject, sched.Immediately()); err != nil {
		fatalStartup(logger, "E_SCHEDULE_PARSE", err)
	}
	if err := cronSched.Add("report_rollup", cfg.Schedules.ReportRollup, func(context.Context) {
		a := report.Analyze(reports.Recent(100))
		logger.Info("report rollup",
			"total", a.TotalErrors,
			"fixed", a.FixedErrors,
			"failed", a.FailedErrors,
			"avg_fix_time_s", a.AvgFixTime,
			"success_rate", a.SuccessRate)
	}); err != nil {
		fatalStartup(logger, "E_SCHEDULE_PARSE", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			// Worker count, paths and schedules are wired at startup; a
			// changed config.yaml needs a restart to take effect.
			logger.Info("config.yaml changed on disk; restart to apply", "path", ev.Path, "op", ev.Op.String())
		}
	}()

	logger.Info("remedyd running", "project_root", cfg.ProjectRoot)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown phases: stop intake (watcher and scheduler die with
	// the context), drain workers, then flush telemetry and close the DB via
	// the deferred calls above.
	loop.Wait()
	logger.Info("shutdown complete")
}

// runOnce performs a single scan-and-fix pass and prints a summary.
func runOnce(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, queue *taskqueue.Queue, errors *errstore.Store) {
	orch.ScanProject(ctx)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		live := 0
		for _, t := range queue.All() {
			if t.Status == taskqueue.StatusPending || t.Status == taskqueue.StatusInProgress {
				live++
			}
		}
		if live == 0 {
			break
		}
	}

	st := errors.Stats()
	fmt.Printf("errors: %d total, %d resolved, %d unresolved\n", st.Total, st.Resolved, st.Unresolved)
	logger.Info("single pass complete", "total", st.Total, "resolved", st.Resolved, "unresolved", st.Unresolved)
}

// engineCollector samples the daemon's own process as the monitored agent.
type engineCollector struct {
	errors *errstore.Store
}

func (c *engineCollector) Collect(string) (monitor.Sample, error) {
	start := time.Now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := c.errors.Stats()

	success := 100.0
	if st.Total > 0 {
		success = float64(st.Resolved) / float64(st.Total) * 100
	}
	return monitor.Sample{
		CPUUsage:     ms.GCCPUFraction * 100,
		MemoryUsage:  float64(ms.Alloc) / (1 << 20),
		ResponseTime: float64(time.Since(start).Microseconds()) / 1000,
		SuccessRate:  success,
		ErrorCount:   st.Unresolved,
	}, nil
}

// guardScanner adapts the guard's project scan to the monitor's security
// scanner interface.
type guardScanner struct {
	guard *guard.Guard
}

func (s *guardScanner) Scan(string) (monitor.ScanResult, error) {
	score, vulnerable := s.guard.ScanProject()
	return monitor.ScanResult{Score: score, Vulnerabilities: vulnerable}, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
