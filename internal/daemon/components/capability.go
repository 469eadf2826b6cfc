package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/daemon"
)

// CapabilityComponent owns the shared capability client and its reconnect monitor.
type CapabilityComponent struct {
	cfg     *config.Config
	client  *capability.Client
	monitor *capability.Monitor
	dial    capability.DialFunc
	started bool
	mu      sync.RWMutex
}

func NewCapabilityComponent(cfg *config.Config) *CapabilityComponent {
	return &CapabilityComponent{cfg: cfg}
}

// WithDialer replaces the websocket dialer, mostly for tests.
func (c *CapabilityComponent) WithDialer(dial capability.DialFunc) *CapabilityComponent {
	c.dial = dial
	return c
}

func (c *CapabilityComponent) Name() string {
	return "Capability"
}

func (c *CapabilityComponent) Dependencies() []string {
	return []string{}
}

func (c *CapabilityComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts, err := capability.OptionsFromConfig(c.cfg.Capability)
	if err != nil {
		return err
	}
	if c.dial != nil {
		opts.Dial = c.dial
	}

	c.client = capability.NewClient(opts)
	monitor, err := capability.NewMonitor(c.client, c.cfg.Capability.HealthSchedule)
	if err != nil {
		return fmt.Errorf("create capability monitor: %w", err)
	}
	c.monitor = monitor

	slog.Info("Capability client initialized", "component", c.Name(), "url", opts.URL)
	return nil
}

// Start connects and discovers the catalogue. An unreachable capability server
// does not fail startup: the monitor keeps reconnecting in the background.
func (c *CapabilityComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return fmt.Errorf("capability component not initialized")
	}

	if err := c.client.Connect(ctx); err != nil {
		slog.Warn("Capability server unavailable at startup, retrying in background", "component", c.Name(), "error", err)
		c.client.TriggerReconnect()
	} else {
		slog.Info("Capability catalogue loaded", "component", c.Name(), "tools", len(c.client.Tools()), "data_sources", len(c.client.DataSources()))
	}

	c.monitor.Start(ctx)
	c.started = true
	return nil
}

func (c *CapabilityComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor != nil {
		c.monitor.Stop()
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			slog.Warn("Capability client close error", "component", c.Name(), "error", err)
		}
	}
	c.started = false
	return nil
}

func (c *CapabilityComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil || !c.started {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if err := c.client.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *CapabilityComponent) GetClient() *capability.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
