package monitor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/calder/remedy/internal/bus"
	"github.com/calder/remedy/internal/runloop"
)

const (
	// maxBuffered bounds the per-agent log and activity ring buffers.
	maxBuffered = 1000

	defaultSampleInterval = 100 * time.Millisecond
	defaultJoinTimeout    = time.Second
)

// Collector produces metric samples for a running agent. Returning io.EOF
// signals the source is exhausted and the worker loop must end.
type Collector interface {
	Collect(agentID string) (Sample, error)
}

// Scanner performs a security scan for an agent.
type Scanner interface {
	Scan(agentID string) (ScanResult, error)
}

// agentState is everything the monitor tracks for a single agent. Access is
// guarded by the monitor's mutex.
type agentState struct {
	status     AgentStatus
	metrics    Metrics
	security   Security
	container  Container
	logs       []LogEntry
	activities []Activity

	// calibrated flips after the first sample, which is discarded to let
	// the collector warm up.
	calibrated bool

	done chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampleInterval overrides the worker sampling cadence.
func WithSampleInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithJoinTimeout overrides how long StopAgent waits for a worker to exit.
func WithJoinTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.joinTimeout = d }
}

// WithScanner attaches a security scanner invoked from the worker loop.
func WithScanner(s Scanner) Option {
	return func(m *Monitor) { m.scanner = s }
}

// WithBus publishes agent lifecycle events.
func WithBus(b *bus.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// Monitor tracks per-agent health, metrics, logs and security posture. Each
// started agent gets a dedicated worker goroutine sampling the collector.
type Monitor struct {
	mu     sync.Mutex
	agents map[string]*agentState

	collector Collector
	scanner   Scanner
	loop      *runloop.Loop
	bus       *bus.Bus

	interval    time.Duration
	joinTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Monitor. The run loop carries security scans off the worker
// goroutines; it may be nil when no scanner is configured.
func New(collector Collector, loop *runloop.Loop, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		agents:      make(map[string]*agentState),
		collector:   collector,
		loop:        loop,
		interval:    defaultSampleInterval,
		joinTimeout: defaultJoinTimeout,
		logger:      logger.With("component", "monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAgent registers an agent and launches its worker. Returns false when
// the id is already registered.
func (m *Monitor) StartAgent(agentID string) bool {
	m.mu.Lock()
	if _, ok := m.agents[agentID]; ok {
		m.mu.Unlock()
		m.logger.Warn("agent already monitored", "agent_id", agentID)
		return false
	}
	st := &agentState{
		status: AgentRunning,
		metrics: Metrics{
			SuccessRate: 100.0,
			ActiveTime:  time.Now().UTC(),
		},
		security: Security{Score: 100},
		container: Container{
			Status:    "running",
			Image:     "remedy-agent:latest",
			Ports:     map[string]int{"http": 8080},
			Volumes:   map[string]string{"workspace": "/workspace"},
			Resources: map[string]string{"cpu": "1", "memory": "512Mi"},
		},
		done: make(chan struct{}),
	}
	m.agents[agentID] = st
	m.mu.Unlock()

	go m.run(agentID, st)

	m.logger.Info("agent monitoring started", "agent_id", agentID)
	if m.bus != nil {
		m.bus.Publish(bus.TopicAgentStarted, bus.AgentEvent{AgentID: agentID})
	}
	return true
}

// StopAgent marks the agent stopped and waits for its worker to exit, up to
// the join timeout. Returns false for unknown ids.
func (m *Monitor) StopAgent(agentID string) bool {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	st.status = AgentStopped
	done := st.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(m.joinTimeout):
		m.logger.Warn("agent worker did not exit in time", "agent_id", agentID)
	}

	m.logger.Info("agent monitoring stopped", "agent_id", agentID)
	if m.bus != nil {
		m.bus.Publish(bus.TopicAgentStopped, bus.AgentEvent{AgentID: agentID})
	}
	return true
}

// run is the per-agent worker loop. It samples the collector on a fixed
// cadence and ends when the agent is stopped or the collector is exhausted.
func (m *Monitor) run(agentID string, st *agentState) {
	defer close(st.done)

	for {
		m.mu.Lock()
		if st.status != AgentRunning {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		sample, err := m.collector.Collect(agentID)
		switch {
		case errors.Is(err, io.EOF):
			// Exhaustion is not a clean stop: the agent lands in the
			// error state until an explicit StopAgent reconciles it.
			m.mu.Lock()
			if st.status == AgentRunning {
				st.status = AgentError
			}
			m.mu.Unlock()
			m.appendLog(st, "error", "metrics collector exhausted")
			m.logger.Warn("metrics collector exhausted", "agent_id", agentID)
			return
		case err != nil:
			m.logger.Error("metrics collection failed", "agent_id", agentID, "error", err)
			m.appendLog(st, "error", "metrics collection failed: "+err.Error())
		default:
			m.applySample(st, sample)
		}

		m.scheduleScan(agentID, st)

		time.Sleep(m.interval)
	}
}

// applySample folds a collector reading into the agent's metrics. The very
// first sample is discarded as calibration.
func (m *Monitor) applySample(st *agentState, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !st.calibrated {
		st.calibrated = true
		return
	}
	st.metrics.CPUUsage = s.CPUUsage
	st.metrics.MemoryUsage = s.MemoryUsage
	st.metrics.ResponseTime = s.ResponseTime
	st.metrics.SuccessRate = s.SuccessRate
	st.metrics.ErrorCount = s.ErrorCount
	st.metrics.ActiveTime = time.Now().UTC()
}

// scheduleScan submits a security scan onto the run loop. When the loop
// rejects the work the posture is left stale rather than blocking the worker.
func (m *Monitor) scheduleScan(agentID string, st *agentState) {
	if m.scanner == nil || m.loop == nil {
		return
	}
	ok := m.loop.Submit(func() {
		res, err := m.scanner.Scan(agentID)
		if err != nil {
			m.logger.Error("security scan failed", "agent_id", agentID, "error", err)
			return
		}
		m.mu.Lock()
		st.security.Score = res.Score
		st.security.Vulnerabilities = res.Vulnerabilities
		st.security.LastScan = time.Now().UTC()
		m.mu.Unlock()
	})
	if !ok {
		m.logger.Warn("security scan dropped, run loop saturated", "agent_id", agentID)
	}
}

func (m *Monitor) appendLog(st *agentState, level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.logs = append(st.logs, LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: msg})
	if len(st.logs) > maxBuffered {
		st.logs = st.logs[len(st.logs)-maxBuffered:]
	}
}

// RecordActivity appends a bounded activity entry for an agent.
func (m *Monitor) RecordActivity(agentID, activityType, status, details string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return false
	}
	st.activities = append(st.activities, Activity{
		Timestamp: time.Now().UTC(),
		Type:      activityType,
		Status:    status,
		Details:   details,
	})
	if len(st.activities) > maxBuffered {
		st.activities = st.activities[len(st.activities)-maxBuffered:]
	}
	return true
}

// AppendLog appends a bounded log entry for an agent.
func (m *Monitor) AppendLog(agentID, level, msg string) bool {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.appendLog(st, level, msg)
	return true
}

// Status reports the lifecycle state of an agent.
func (m *Monitor) Status(agentID string) (AgentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return "", false
	}
	return st.status, true
}

// Metrics returns a copy of the agent's current metrics.
func (m *Monitor) Metrics(agentID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return Metrics{}, false
	}
	return st.metrics, true
}

// Security returns a copy of the agent's security posture.
func (m *Monitor) Security(agentID string) (Security, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return Security{}, false
	}
	return st.security, true
}

// Container returns a copy of the agent's container snapshot.
func (m *Monitor) Container(agentID string) (Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return Container{}, false
	}
	return st.container.clone(), true
}

// Logs returns a copy of the agent's log buffer, oldest first.
func (m *Monitor) Logs(agentID string) ([]LogEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	out := make([]LogEntry, len(st.logs))
	copy(out, st.logs)
	return out, true
}

// Activities returns a copy of the agent's activity buffer, most recent first.
func (m *Monitor) Activities(agentID string) ([]Activity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	out := make([]Activity, len(st.activities))
	for i, a := range st.activities {
		out[len(st.activities)-1-i] = a
	}
	return out, true
}

// Agents lists the ids of all registered agents.
func (m *Monitor) Agents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}
