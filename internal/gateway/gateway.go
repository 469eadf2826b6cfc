package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/daemon"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/orchestrator"
	"github.com/harunnryd/conduit/internal/session"

	"github.com/gorilla/websocket"
)

// Sessions is the session manager surface the gateway drives.
type Sessions interface {
	Open(emitter orchestrator.Emitter) (string, error)
	Route(id string, evt session.Inbound) error
	Close(id string) error
}

// Catalogue serves cached capability data.
type Catalogue interface {
	Capabilities() capability.Catalogue
	DataSources() []string
}

type ModelLister interface {
	ListModels(ctx context.Context, name string) ([]string, error)
}

// HealthFunc reports the health of every running component.
type HealthFunc func() map[string]*daemon.ComponentHealth

type Options struct {
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	DefaultProvider string
	LocalProvider   string
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	writeTimeout, err := config.DurationOrDefault(cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return Options{}, fmt.Errorf("parse server write timeout: %w", err)
	}
	return Options{
		WriteTimeout:    writeTimeout,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		DefaultProvider: cfg.Models.Default,
		LocalProvider:   providerAliases["ollama"],
	}, nil
}

// Gateway bridges websocket clients to sessions. It holds no business logic.
type Gateway struct {
	sessions  Sessions
	catalogue Catalogue
	models    ModelLister
	health    HealthFunc
	opts      Options
	upgrader  websocket.Upgrader
}

func New(sessions Sessions, catalogue Catalogue, models ModelLister, health HealthFunc, opts Options) *Gateway {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = config.DefaultServerMaxFrameBytes
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = config.DefaultModelDefault
	}
	if opts.LocalProvider == "" {
		opts.LocalProvider = providerAliases["ollama"]
	}

	return &Gateway{
		sessions:  sessions,
		catalogue: catalogue,
		models:    models,
		health:    health,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routes served by the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/api/capabilities", g.handleCapabilities)
	mux.HandleFunc("/api/data-sources", g.handleDataSources)
	mux.HandleFunc("/api/local-models", g.handleLocalModels)
	mux.HandleFunc("/health", g.handleHealth)
	return mux
}

var _ session.Disconnecter = (*connection)(nil)

// connection serializes writes to one websocket.
type connection struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *connection) Emit(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		// Unblock the reader so the session is closed.
		_ = c.ws.Close()
		return conduitErrors.WrapWithCategory(err, "write frame", conduitErrors.ErrTransport)
	}
	return nil
}

// Disconnect sends a close frame carrying reason and closes the socket, which
// ends the connection's reader loop.
func (c *connection) Disconnect(reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Control frame payloads are limited to 125 bytes, two of which hold the code.
	if len(reason) > 123 {
		reason = strings.ToValidUTF8(reason[:123], "")
	}
	deadline := time.Now().Add(time.Second)
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("Failed to send close frame", "error", err)
	}
	_ = c.ws.Close()
}

// ServeWS upgrades the request and runs the connection's reader loop. The
// session lives exactly as long as the reader.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{ws: ws, writeTimeout: g.opts.WriteTimeout}
	id, err := g.sessions.Open(conn)
	if err != nil {
		slog.Error("Failed to open session", "remote", r.RemoteAddr, "error", err)
		_ = conn.Emit(r.Context(), fmt.Sprintf("Error: %v", err))
		return
	}
	defer func() {
		if err := g.sessions.Close(id); err != nil && !errors.Is(err, conduitErrors.ErrNotFound) {
			slog.Warn("Failed to close session", "session_id", id, "error", err)
		}
	}()

	slog.Info("Client connected", "session_id", id, "remote", r.RemoteAddr)
	g.readLoop(r.Context(), id, conn)
	slog.Info("Client disconnected", "session_id", id, "remote", r.RemoteAddr)
}

func (g *Gateway) readLoop(ctx context.Context, id string, conn *connection) {
	conn.ws.SetReadLimit(g.opts.MaxFrameBytes)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Warn("Websocket read failed", "session_id", id, "error", err)
			}
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			if emitErr := conn.Emit(ctx, fmt.Sprintf("Error: %v", err)); emitErr != nil {
				return
			}
			continue
		}
		if strings.TrimSpace(frame.Text) == "" {
			continue
		}

		err = g.sessions.Route(id, session.Inbound{Text: frame.Text, Settings: frame.Settings(g.opts.DefaultProvider)})
		switch {
		case err == nil:
		case errors.Is(err, conduitErrors.ErrNotFound):
			conn.Disconnect("session closed")
			return
		default:
			slog.Warn("Dropped client message", "session_id", id, "error", err)
			if emitErr := conn.Emit(ctx, fmt.Sprintf("Error: %v", err)); emitErr != nil {
				return
			}
		}
	}
}
