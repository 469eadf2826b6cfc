package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/conversation"
	"github.com/harunnryd/conduit/internal/daemon"
	"github.com/harunnryd/conduit/internal/orchestrator"
	"github.com/harunnryd/conduit/internal/session"
)

// SessionsComponent runs the session manager. Every session gets its own
// orchestrator and conversation over the shared capability client and adapter.
type SessionsComponent struct {
	cfg            *config.Config
	capabilityComp *CapabilityComponent
	modelsComp     *ModelsComponent

	manager *session.Manager
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

func NewSessionsComponent(cfg *config.Config, capabilityComp *CapabilityComponent, modelsComp *ModelsComponent) *SessionsComponent {
	return &SessionsComponent{
		cfg:            cfg,
		capabilityComp: capabilityComp,
		modelsComp:     modelsComp,
	}
}

func (s *SessionsComponent) Name() string {
	return "Sessions"
}

func (s *SessionsComponent) Dependencies() []string {
	return []string{"Capability", "Models"}
}

func (s *SessionsComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capabilityComp == nil || s.modelsComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	client := s.capabilityComp.GetClient()
	adapter := s.modelsComp.GetAdapter()
	if client == nil || adapter == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	opts, err := orchestrator.OptionsFromConfig(s.cfg)
	if err != nil {
		return err
	}
	runtimeCfg, err := session.RuntimeConfigFromConfig(s.cfg.Session)
	if err != nil {
		return err
	}

	defaults := conversation.Settings{Provider: s.cfg.Models.Default, ToolsEnabled: true}
	systemPrompt := s.cfg.Prompts.System

	newHandler := func(sessionID string, emitter orchestrator.Emitter) session.Handler {
		return orchestrator.New(adapter, client, emitter, conversation.New(defaults, systemPrompt), opts)
	}

	managerCtx, cancel := context.WithCancel(context.Background())
	s.manager = session.NewManager(managerCtx, newHandler, runtimeCfg)
	s.cancel = cancel

	slog.Info("Session manager initialized", "component", s.Name(), "max_iterations", opts.MaxIterations, "inbox_size", runtimeCfg.InboxSize)
	return nil
}

func (s *SessionsComponent) Start(ctx context.Context) error {
	return nil
}

func (s *SessionsComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil {
		return nil
	}

	err := s.manager.CloseAll(ctx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("close sessions: %w", err)
	}
	return nil
}

func (s *SessionsComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.manager == nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := s.manager.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SessionsComponent) GetManager() *session.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manager
}
