package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/conversation"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/orchestrator"

	"github.com/oklog/ulid/v2"
)

// Inbound is one canonical event from an interactive client.
type Inbound struct {
	ID       string
	Text     string
	Settings conversation.Settings
}

// Handler processes one session's events. An error ends the session.
type Handler interface {
	HandleUserMessage(ctx context.Context, text string, settings conversation.Settings) error
}

// HandlerFactory builds the handler owning a new session's conversation.
type HandlerFactory func(sessionID string, emitter orchestrator.Emitter) Handler

type RuntimeConfig struct {
	InboxSize    int
	CloseTimeout time.Duration
}

func RuntimeConfigFromConfig(cfg config.SessionConfig) (RuntimeConfig, error) {
	closeTimeout, err := config.DurationOrDefault(cfg.CloseTimeout, config.DefaultSessionCloseTimeout)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse session close timeout: %w", err)
	}
	return RuntimeConfig{InboxSize: cfg.InboxSize, CloseTimeout: closeTimeout}, nil
}

// Manager maps session ids to their running workers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*worker

	ctx        context.Context
	newHandler HandlerFactory

	inboxSize    int
	closeTimeout time.Duration
}

func NewManager(ctx context.Context, newHandler HandlerFactory, cfg RuntimeConfig) *Manager {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = config.DefaultSessionInboxSize
	}
	if cfg.CloseTimeout <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultSessionCloseTimeout)
		if err == nil {
			cfg.CloseTimeout = d
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return &Manager{
		sessions:     make(map[string]*worker),
		ctx:          ctx,
		newHandler:   newHandler,
		inboxSize:    cfg.InboxSize,
		closeTimeout: cfg.CloseTimeout,
	}
}

// Open starts a session whose output goes to emitter and returns its id.
func (m *Manager) Open(emitter orchestrator.Emitter) (string, error) {
	if m.ctx.Err() != nil {
		return "", conduitErrors.Transport("session manager stopped")
	}

	id := ulid.Make().String()
	w := newWorker(m.ctx, id, m.newHandler(id, emitter), emitter, m.inboxSize, func(id string) { m.detach(id) })

	m.mu.Lock()
	m.sessions[id] = w
	m.mu.Unlock()

	w.start()
	slog.Info("Session opened", "session_id", id)
	return id, nil
}

// Route queues an event for a session. Events for unknown or closed sessions
// are dropped with a NotFound error.
func (m *Manager) Route(id string, evt Inbound) error {
	m.mu.RLock()
	w, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		slog.Debug("Dropping event for closed session", "session_id", id)
		return conduitErrors.NotFound(fmt.Sprintf("session %s not found", id))
	}
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	return w.enqueue(evt)
}

// Close removes a session and cancels its in-flight work.
func (m *Manager) Close(id string) error {
	w := m.detach(id)
	if w == nil {
		return conduitErrors.NotFound(fmt.Sprintf("session %s not found", id))
	}

	w.stop()
	if !w.wait(m.closeTimeout) {
		slog.Warn("Session did not stop within timeout", "session_id", id, "timeout", m.closeTimeout)
	}
	slog.Info("Session closed", "session_id", id)
	return nil
}

func (m *Manager) detach(id string) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return w
}

// CloseAll closes every open session.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.sessions))
	for id, w := range m.sessions {
		workers = append(workers, w)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}

	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	slog.Info("All sessions closed", "count", len(workers))
	return nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Health(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return conduitErrors.Internal("session manager stopped")
	}
	return nil
}
