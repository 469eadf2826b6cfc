package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/conversation"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/model"
	"github.com/harunnryd/conduit/internal/model/contract"
	"github.com/harunnryd/conduit/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, text string, settings conversation.Settings) error

func (f handlerFunc) HandleUserMessage(ctx context.Context, text string, settings conversation.Settings) error {
	return f(ctx, text, settings)
}

type collector struct {
	mu   sync.Mutex
	sent []string
}

func (c *collector) Emit(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.sent...)
}

// echoCompleter asks for echo(marker) on a user turn and answers with the tool result.
type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == contract.RoleTool {
		return &model.Completion{Kind: model.FinalAnswer, Text: "result: " + last.Content}, nil
	}
	args, _ := json.Marshal(map[string]string{"v": last.Content})
	return &model.Completion{Kind: model.ToolRequest, Calls: []*contract.ToolCall{{ID: "call_1", Name: "echo", Input: string(args)}}}, nil
}

type echoCapabilities struct{}

func (echoCapabilities) Tools() []capability.Tool { return []capability.Tool{{Name: "echo"}} }

func (echoCapabilities) DataSources() []string { return nil }

func (echoCapabilities) Invoke(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	var args map[string]string
	_ = json.Unmarshal(arguments, &args)
	time.Sleep(time.Duration(len(args["v"])%5) * time.Millisecond)
	return json.Marshal(args["v"])
}

func TestManager_SessionsDoNotCrossContaminate(t *testing.T) {
	const sessions = 20

	var convMu sync.Mutex
	convs := map[string]*conversation.State{}
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		conv := conversation.New(conversation.Settings{}, "sys")
		convMu.Lock()
		convs[id] = conv
		convMu.Unlock()
		return orchestrator.New(echoCompleter{}, echoCapabilities{}, emitter, conv, orchestrator.Options{})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{})

	ids := make([]string, sessions)
	sinks := make([]*collector, sessions)
	for i := range ids {
		sinks[i] = &collector{}
		id, err := m.Open(sinks[i])
		require.NoError(t, err)
		ids[i] = id
	}

	for i, id := range ids {
		require.NoError(t, m.Route(id, Inbound{Text: fmt.Sprintf("marker-%d", i), Settings: conversation.Settings{Provider: "cloud", ToolsEnabled: true}}))
	}

	for i := range ids {
		want := fmt.Sprintf("result: marker-%d", i)
		require.Eventually(t, func() bool {
			sent := sinks[i].snapshot()
			return len(sent) > 0 && sent[len(sent)-1] == want
		}, 2*time.Second, 5*time.Millisecond)
	}

	require.NoError(t, m.CloseAll(context.Background()))

	for i, id := range ids {
		conv := convs[id]
		require.NoError(t, conv.Validate())
		for _, msg := range conv.Messages() {
			if msg.Role == contract.RoleTool {
				assert.Equal(t, fmt.Sprintf("marker-%d", i), msg.Content)
			}
		}
	}
}

func TestManager_PreservesArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			seen = append(seen, text)
			mu.Unlock()
			return nil
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{InboxSize: 32})

	id, err := m.Open(&collector{})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("turn-%d", i)
		want = append(want, text)
		require.NoError(t, m.Route(id, Inbound{Text: text}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, seen)
}

func TestManager_EventsAfterCloseAreDropped(t *testing.T) {
	var calls int
	var mu sync.Mutex
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{})

	id, err := m.Open(&collector{})
	require.NoError(t, err)
	require.NoError(t, m.Close(id))
	assert.Equal(t, 0, m.Count())

	err = m.Route(id, Inbound{Text: "too late"})
	assert.True(t, errors.Is(err, conduitErrors.ErrNotFound))

	err = m.Close(id)
	assert.True(t, errors.Is(err, conduitErrors.ErrNotFound))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestManager_FullInboxRejects(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{InboxSize: 1})
	defer close(release)

	id, err := m.Open(&collector{})
	require.NoError(t, err)

	require.NoError(t, m.Route(id, Inbound{Text: "first"}))
	<-started
	require.NoError(t, m.Route(id, Inbound{Text: "second"}))

	err = m.Route(id, Inbound{Text: "third"})
	assert.True(t, errors.Is(err, conduitErrors.ErrTransient))
}

func TestManager_CloseCancelsInFlightWork(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{})
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{CloseTimeout: time.Second})

	id, err := m.Open(&collector{})
	require.NoError(t, err)
	require.NoError(t, m.Route(id, Inbound{Text: "long running"}))
	<-started

	require.NoError(t, m.Close(id))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight work was not cancelled")
	}
}

func TestManager_FatalErrorClosesSession(t *testing.T) {
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			return conduitErrors.Transport("client went away")
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{})

	id, err := m.Open(&collector{})
	require.NoError(t, err)
	require.NoError(t, m.Route(id, Inbound{Text: "hello"}))

	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)
	err = m.Route(id, Inbound{Text: "again"})
	assert.True(t, errors.Is(err, conduitErrors.ErrNotFound))
}

func TestManager_OpenAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error { return nil })
	}, RuntimeConfig{})

	cancel()
	_, err := m.Open(&collector{})
	assert.True(t, errors.Is(err, conduitErrors.ErrTransport))
	assert.Error(t, m.Health(context.Background()))
}

func TestManager_PanickingTurnKeepsSession(t *testing.T) {
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			if text == "boom" {
				panic("handler bug")
			}
			return emitter.Emit(ctx, "ok: "+text)
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{})

	out := &collector{}
	id, err := m.Open(out)
	require.NoError(t, err)
	require.NoError(t, m.Route(id, Inbound{Text: "boom"}))
	require.NoError(t, m.Route(id, Inbound{Text: "again"}))

	require.Eventually(t, func() bool { return len(out.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Error: internal error", "ok: again"}, out.snapshot())
	assert.Equal(t, 1, m.Count())
}

type disconnectingCollector struct {
	collector
	reason chan string
}

func (c *disconnectingCollector) Disconnect(reason string) {
	c.reason <- reason
}

func TestManager_FatalErrorIsExplainedBeforeDisconnect(t *testing.T) {
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			return conduitErrors.Internal("conversation ledger corrupted")
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{})

	out := &disconnectingCollector{reason: make(chan string, 1)}
	id, err := m.Open(out)
	require.NoError(t, err)
	require.NoError(t, m.Route(id, Inbound{Text: "hello"}))

	select {
	case reason := <-out.reason:
		assert.Contains(t, reason, "conversation ledger corrupted")
	case <-time.After(time.Second):
		t.Fatal("session was not disconnected")
	}
	sent := out.snapshot()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "Error: "))
	assert.Contains(t, sent[0], "conversation ledger corrupted")
	assert.Equal(t, 0, m.Count())
}

func TestManager_TransportErrorSendsNoExplanation(t *testing.T) {
	factory := func(id string, emitter orchestrator.Emitter) Handler {
		return handlerFunc(func(ctx context.Context, text string, settings conversation.Settings) error {
			return conduitErrors.Transport("client went away")
		})
	}
	m := NewManager(context.Background(), factory, RuntimeConfig{})

	out := &disconnectingCollector{reason: make(chan string, 1)}
	id, err := m.Open(out)
	require.NoError(t, err)
	require.NoError(t, m.Route(id, Inbound{Text: "hello"}))

	select {
	case reason := <-out.reason:
		assert.Equal(t, "transport failure", reason)
	case <-time.After(time.Second):
		t.Fatal("session was not disconnected")
	}
	assert.Empty(t, out.snapshot())
}
