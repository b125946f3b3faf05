package monitor

import "time"

// AgentStatus is the lifecycle state of a monitored agent. Error marks a
// worker that terminated on an unrecoverable collector failure; only an
// explicit StopAgent moves it to stopped.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentStopped AgentStatus = "stopped"
	AgentError   AgentStatus = "error"
)

// Metrics is the live resource snapshot for one agent.
type Metrics struct {
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	ResponseTime float64   `json:"response_time"`
	SuccessRate  float64   `json:"success_rate"`
	ErrorCount   int       `json:"error_count"`
	ActiveTime   time.Time `json:"active_time"`
}

// Sample is one reading from the metrics collector.
type Sample struct {
	CPUUsage     float64
	MemoryUsage  float64
	ResponseTime float64
	SuccessRate  float64
	ErrorCount   int
}

// Security is the per-agent security posture snapshot.
type Security struct {
	Score           int       `json:"score"`
	Vulnerabilities int       `json:"vulnerabilities"`
	LastScan        time.Time `json:"last_scan"`
}

// ScanResult is the outcome of one security scan.
type ScanResult struct {
	Score           int
	Vulnerabilities int
}

// LogEntry is one line in an agent's bounded log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Activity is one entry in an agent's bounded activity buffer.
type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Details   string    `json:"details"`
}

// Container is the declarative runtime placement for an agent.
type Container struct {
	Status    string            `json:"status"`
	Image     string            `json:"image"`
	Ports     map[string]int    `json:"ports"`
	Volumes   map[string]string `json:"volumes"`
	Resources map[string]string `json:"resources"`
}

func (c Container) clone() Container {
	cp := c
	cp.Ports = make(map[string]int, len(c.Ports))
	for k, v := range c.Ports {
		cp.Ports[k] = v
	}
	cp.Volumes = make(map[string]string, len(c.Volumes))
	for k, v := range c.Volumes {
		cp.Volumes[k] = v
	}
	cp.Resources = make(map[string]string, len(c.Resources))
	for k, v := range c.Resources {
		cp.Resources[k] = v
	}
	return cp
}
