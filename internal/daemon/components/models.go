package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/daemon"
	"github.com/harunnryd/conduit/internal/model"
)

// ModelsComponent builds the provider registry and the adapter sessions complete through.
type ModelsComponent struct {
	cfg      *config.Config
	registry *model.Registry
	adapter  *model.Adapter
	mu       sync.RWMutex
}

func NewModelsComponent(cfg *config.Config) *ModelsComponent {
	return &ModelsComponent{cfg: cfg}
}

// WithRegistry uses a prebuilt registry instead of one built from config.
func (m *ModelsComponent) WithRegistry(registry *model.Registry) *ModelsComponent {
	m.registry = registry
	return m
}

func (m *ModelsComponent) Name() string {
	return "Models"
}

func (m *ModelsComponent) Dependencies() []string {
	return []string{}
}

func (m *ModelsComponent) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timeout, err := config.DurationOrDefault(m.cfg.Models.RequestTimeout, config.DefaultModelRequestTimeout)
	if err != nil {
		return fmt.Errorf("parse models request timeout: %w", err)
	}

	if m.registry == nil {
		registry, err := model.NewRegistryFromConfig(m.cfg.Models)
		if err != nil {
			return fmt.Errorf("build provider registry: %w", err)
		}
		m.registry = registry
	}
	m.adapter = model.NewAdapter(m.registry, timeout)

	slog.Info("Provider registry initialized", "component", m.Name(), "providers", m.registry.Names(), "default", m.cfg.Models.Default)
	return nil
}

func (m *ModelsComponent) Start(ctx context.Context) error {
	return nil
}

func (m *ModelsComponent) Stop(ctx context.Context) error {
	return nil
}

func (m *ModelsComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.registry == nil {
		return &daemon.ComponentHealth{Name: m.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := m.registry.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: m.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: m.Name(), Healthy: true}, nil
}

func (m *ModelsComponent) GetAdapter() *model.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapter
}

func (m *ModelsComponent) GetRegistry() *model.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry
}
