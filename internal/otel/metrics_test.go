package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ErrorsDetected == nil {
		t.Error("ErrorsDetected is nil")
	}
	if m.ErrorsResolved == nil {
		t.Error("ErrorsResolved is nil")
	}
	if m.FixesApplied == nil {
		t.Error("FixesApplied is nil")
	}
	if m.FixesRejected == nil {
		t.Error("FixesRejected is nil")
	}
	if m.TasksCompleted == nil {
		t.Error("TasksCompleted is nil")
	}
	if m.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if m.StaleTasksSwept == nil {
		t.Error("StaleTasksSwept is nil")
	}
	if m.FixDuration == nil {
		t.Error("FixDuration is nil")
	}
	if m.ScanDuration == nil {
		t.Error("ScanDuration is nil")
	}
	if m.PendingTasks == nil {
		t.Error("PendingTasks is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments still create cleanly.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
