package daemon

import (
	"context"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Component is one unit of the gateway process. The daemon initializes and
// starts components in dependency order and stops them in reverse.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

// ComponentReport is the wire form of one component's health.
type ComponentReport struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthReport summarizes component health for the /health endpoint.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentReport `json:"components"`
}

// NewHealthReport is "ok" only when every reported component is healthy.
func NewHealthReport(health map[string]*ComponentHealth) HealthReport {
	report := HealthReport{Status: "ok", Components: make(map[string]ComponentReport, len(health))}
	for name, ch := range health {
		if ch == nil {
			continue
		}
		entry := ComponentReport{Healthy: ch.Healthy}
		if ch.Error != nil {
			entry.Error = ch.Error.Error()
		}
		if !ch.Healthy {
			report.Status = "degraded"
		}
		report.Components[name] = entry
	}
	return report
}
