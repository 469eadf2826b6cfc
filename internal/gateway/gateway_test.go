package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/conversation"
	"github.com/harunnryd/conduit/internal/daemon"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/orchestrator"
	"github.com/harunnryd/conduit/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	emitter orchestrator.Emitter
	mu      *sync.Mutex
	seen    *[]conversation.Settings
}

func (h echoHandler) HandleUserMessage(ctx context.Context, text string, settings conversation.Settings) error {
	h.mu.Lock()
	*h.seen = append(*h.seen, settings)
	h.mu.Unlock()
	return h.emitter.Emit(ctx, "echo: "+text)
}

type handlerFunc func(ctx context.Context, text string) error

func (f handlerFunc) HandleUserMessage(ctx context.Context, text string, settings conversation.Settings) error {
	return f(ctx, text)
}

type staticCatalogue struct {
	cat     capability.Catalogue
	sources []string
}

func (c staticCatalogue) Capabilities() capability.Catalogue { return c.cat }

func (c staticCatalogue) DataSources() []string { return c.sources }

type stubLister struct {
	models []string
	err    error
}

func (s stubLister) ListModels(ctx context.Context, name string) ([]string, error) {
	return s.models, s.err
}

type fixture struct {
	server   *httptest.Server
	sessions *session.Manager

	mu   sync.Mutex
	seen []conversation.Settings
}

func newFixture(t *testing.T, cat Catalogue, models ModelLister, health HealthFunc) *fixture {
	t.Helper()

	f := &fixture{}
	f.sessions = session.NewManager(context.Background(), func(id string, emitter orchestrator.Emitter) session.Handler {
		return echoHandler{emitter: emitter, mu: &f.mu, seen: &f.seen}
	}, session.RuntimeConfig{})

	gw := New(f.sessions, cat, models, health, Options{WriteTimeout: time.Second})
	f.server = httptest.NewServer(gw.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) settings() []conversation.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversation.Settings{}, f.seen...)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestGateway_RoutesFramesToSession(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"text":               "hello",
		"llm_provider":       "ollama",
		"llm_model":          "mistral",
		"use_mcp":            false,
		"db_connection_name": "sales",
	}))
	assert.Equal(t, "echo: hello", readText(t, conn))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "again"}))
	assert.Equal(t, "echo: again", readText(t, conn))

	seen := f.settings()
	require.Len(t, seen, 2)
	assert.Equal(t, conversation.Settings{Provider: "local", Model: "mistral", ToolsEnabled: false, DataSource: "sales"}, seen[0])
	assert.Equal(t, conversation.Settings{Provider: "cloud", ToolsEnabled: true}, seen[1])
}

func TestGateway_MalformedFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.True(t, strings.HasPrefix(readText(t, conn), "Error: "))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "still here"}))
	assert.Equal(t, "echo: still here", readText(t, conn))
}

func TestGateway_EmptyTextIgnored(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "  "}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "real"}))
	assert.Equal(t, "echo: real", readText(t, conn))
	assert.Len(t, f.settings(), 1)
}

func TestGateway_DisconnectClosesSession(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	conn := f.dial(t)

	require.Eventually(t, func() bool { return f.sessions.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.sessions.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_SessionsAreIndependent(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	a := f.dial(t)
	b := f.dial(t)

	require.NoError(t, a.WriteJSON(map[string]interface{}{"text": "from a"}))
	require.NoError(t, b.WriteJSON(map[string]interface{}{"text": "from b"}))

	assert.Equal(t, "echo: from a", readText(t, a))
	assert.Equal(t, "echo: from b", readText(t, b))
}

func serveHandlers(t *testing.T, factory session.HandlerFactory) *websocket.Conn {
	t.Helper()

	sessions := session.NewManager(context.Background(), factory, session.RuntimeConfig{})
	gw := New(sessions, nil, nil, nil, Options{WriteTimeout: time.Second})
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	f := &fixture{server: server, sessions: sessions}
	return f.dial(t)
}

func TestGateway_PanickingTurnRepliesWithError(t *testing.T) {
	conn := serveHandlers(t, func(id string, emitter orchestrator.Emitter) session.Handler {
		return handlerFunc(func(ctx context.Context, text string) error {
			if text == "hi" {
				panic("nil map write")
			}
			return emitter.Emit(ctx, "echo: "+text)
		})
	})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "hi"}))
	assert.Equal(t, "Error: internal error", readText(t, conn))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "again"}))
	assert.Equal(t, "echo: again", readText(t, conn))
}

func TestGateway_FatalSessionErrorExplainsAndCloses(t *testing.T) {
	conn := serveHandlers(t, func(id string, emitter orchestrator.Emitter) session.Handler {
		return handlerFunc(func(ctx context.Context, text string) error {
			return conduitErrors.Internal("conversation ledger corrupted")
		})
	})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"text": "hi"}))
	assert.Contains(t, readText(t, conn), "conversation ledger corrupted")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func getJSON(t *testing.T, url string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestGateway_QueryEndpoints(t *testing.T) {
	cat := staticCatalogue{
		cat: capability.Catalogue{
			Tools: []capability.Tool{{Name: "list_tables", Description: "List tables"}},
		},
		sources: []string{"sales", "crm"},
	}
	health := func() map[string]*daemon.ComponentHealth {
		return map[string]*daemon.ComponentHealth{
			"Capability": {Name: "Capability", Healthy: false, Error: errors.New("not connected")},
		}
	}
	f := newFixture(t, cat, stubLister{models: []string{"llama3.1:latest"}}, health)

	caps := getJSON(t, f.server.URL+"/api/capabilities")
	tools := caps["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "list_tables", tools[0].(map[string]interface{})["name"])
	assert.Equal(t, []interface{}{}, caps["resources"])

	sources := getJSON(t, f.server.URL+"/api/data-sources")
	assert.Equal(t, []interface{}{"sales", "crm"}, sources["connections"])

	models := getJSON(t, f.server.URL+"/api/local-models")
	assert.Equal(t, []interface{}{"llama3.1:latest"}, models["models"])

	h := getJSON(t, f.server.URL+"/health")
	assert.Equal(t, "degraded", h["status"])
	component := h["components"].(map[string]interface{})["Capability"].(map[string]interface{})
	assert.Equal(t, "not connected", component["error"])
}

func TestGateway_LocalModelsReportsBackendFailure(t *testing.T) {
	f := newFixture(t, nil, stubLister{err: errors.New("connection refused")}, nil)

	body := getJSON(t, f.server.URL+"/api/local-models")
	assert.Equal(t, []interface{}{}, body["models"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestGateway_RejectsNonGet(t *testing.T) {
	f := newFixture(t, nil, nil, nil)

	resp, err := http.Post(f.server.URL+"/api/data-sources", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFrame_Settings(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name  string
		frame Frame
		want  conversation.Settings
	}{
		{
			name:  "defaults",
			frame: Frame{Text: "hi"},
			want:  conversation.Settings{Provider: "cloud", ToolsEnabled: true},
		},
		{
			name:  "current field names win over aliases",
			frame: Frame{UseTools: &no, UseMCP: &yes, DataSource: "crm", DBConnectionName: "sales"},
			want:  conversation.Settings{Provider: "cloud", ToolsEnabled: false, DataSource: "crm"},
		},
		{
			name:  "provider alias",
			frame: Frame{LLMProvider: "openai"},
			want:  conversation.Settings{Provider: "cloud", ToolsEnabled: true},
		},
		{
			name:  "registry name passes through",
			frame: Frame{LLMProvider: "anthropic", LLMModel: " claude "},
			want:  conversation.Settings{Provider: "anthropic", Model: "claude", ToolsEnabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.frame.Settings("cloud"))
		})
	}
}
