package components

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/conduit/internal/concurrency"
	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/daemon"
	"github.com/harunnryd/conduit/internal/gateway"
)

// HTTPServerComponent serves the websocket gateway and the read-only query API.
type HTTPServerComponent struct {
	daemon         *daemon.Daemon
	cfg            *config.Config
	sessionsComp   *SessionsComponent
	capabilityComp *CapabilityComponent
	modelsComp     *ModelsComponent

	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.Config, sessionsComp *SessionsComponent, capabilityComp *CapabilityComponent, modelsComp *ModelsComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:         d,
		cfg:            cfg,
		sessionsComp:   sessionsComp,
		capabilityComp: capabilityComp,
		modelsComp:     modelsComp,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"Sessions", "Capability", "Models"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessionsComp == nil || h.capabilityComp == nil || h.modelsComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	manager := h.sessionsComp.GetManager()
	client := h.capabilityComp.GetClient()
	registry := h.modelsComp.GetRegistry()
	if manager == nil || client == nil || registry == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	srv := h.cfg.Server
	readTimeout, err := config.DurationOrDefault(srv.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(srv.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(srv.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}
	gwOpts, err := gateway.OptionsFromConfig(h.cfg)
	if err != nil {
		return err
	}

	var health gateway.HealthFunc
	if h.daemon != nil {
		health = h.daemon.ComponentHealth
	}
	gw := gateway.New(manager, client, registry, health, gwOpts)

	// Websocket connections are long-lived, so only the handshake is bounded.
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", srv.Port),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", srv.Port)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	concurrency.SafeGo(func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", listener.Addr().String())
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}, func(r interface{}) {
		slog.Error("HTTP server panic", "component", h.Name(), "panic", r)
	})

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}
	// /health reads component state, so the lock is released before draining handlers.
	server := h.server
	served := time.Since(h.startTime)
	h.started = false
	h.mu.Unlock()

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	slog.Info("HTTPServer stopped", "component", h.Name(), "served_for", served.Round(time.Second))
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
	}, nil
}

// Addr returns the bound listen address once started.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
