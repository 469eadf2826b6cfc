package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/conduit/internal/config"

	"github.com/robfig/cron/v3"
)

// Monitor periodically checks the capability connection on a cron schedule
// and restarts the reconnect loop when it is down.
type Monitor struct {
	client   *Client
	schedule cron.Schedule

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewMonitor(client *Client, schedule string) (*Monitor, error) {
	if schedule == "" {
		schedule = config.DefaultCapabilityHealthSchedule
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid capability health schedule %q: %w", schedule, err)
	}
	return &Monitor{client: client, schedule: parsed}, nil
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(runCtx, m.done)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	if !m.client.Connected() {
		slog.Debug("Capability health check: disconnected, scheduling reconnect")
		m.client.TriggerReconnect()
		return
	}

	if _, ok := m.client.cached(); !ok {
		if _, err := m.client.Discover(ctx); err != nil {
			slog.Warn("Capability health check: discovery failed", "error", err)
		}
	}
}
