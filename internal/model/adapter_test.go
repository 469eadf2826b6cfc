package model

import (
	"context"
	"errors"
	"testing"
	"time"

	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/model/contract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a mock of Provider interface
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*contract.CompletionResponse)
	return resp, args.Error(1)
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Type() string { return "mock" }

func (m *MockProvider) Health(ctx context.Context) error { return nil }

var addTool = contract.ToolDef{
	Name:        "add",
	Description: "Add two numbers",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"a": map[string]interface{}{"type": "number"},
			"b": map[string]interface{}{"type": "number"},
		},
	},
}

func newTestAdapter(p Provider) *Adapter {
	r := NewRegistry()
	r.Register("cloud", p, "gpt-test")
	return NewAdapter(r, time.Second)
}

func TestAdapter_FinalAnswer(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.MatchedBy(func(req contract.CompletionRequest) bool {
		return req.Model == "gpt-test" && len(req.Tools) == 1
	})).Return(&contract.CompletionResponse{Content: "hello"}, nil).Once()

	a := newTestAdapter(p)
	c, err := a.Complete(context.Background(), Request{
		Provider:     "cloud",
		Messages:     []contract.Message{{Role: contract.RoleUser, Content: "hi"}},
		Tools:        []contract.ToolDef{addTool},
		ToolsEnabled: true,
	})

	require.NoError(t, err)
	assert.Equal(t, FinalAnswer, c.Kind)
	assert.Equal(t, "hello", c.Text)
	p.AssertExpectations(t)
}

func TestAdapter_ToolRequestNormalizesCalls(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.Anything).Return(&contract.CompletionResponse{
		ToolCalls: []*contract.ToolCall{
			{ID: "", Name: "add", Input: `{"a":2,"b":2}`},
			{ID: "dup", Name: "add", Input: ""},
			{ID: "dup", Name: "add", Input: `{"a":1,"b":1}`},
		},
	}, nil).Once()

	a := newTestAdapter(p)
	c, err := a.Complete(context.Background(), Request{
		Provider:     "cloud",
		Tools:        []contract.ToolDef{addTool},
		ToolsEnabled: true,
	})

	require.NoError(t, err)
	require.Equal(t, ToolRequest, c.Kind)
	require.Len(t, c.Calls, 3)
	assert.Equal(t, "call_1", c.Calls[0].ID)
	assert.Equal(t, "dup", c.Calls[1].ID)
	assert.Equal(t, "{}", c.Calls[1].Input)
	assert.Equal(t, "call_2", c.Calls[2].ID)
}

func TestAdapter_SynthesizedIDsAvoidHistory(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.Anything).Return(&contract.CompletionResponse{
		ToolCalls: []*contract.ToolCall{{Name: "add", Input: `{"a":1,"b":1}`}},
	}, nil).Once()

	a := newTestAdapter(p)
	c, err := a.Complete(context.Background(), Request{
		Provider: "cloud",
		Messages: []contract.Message{
			{Role: contract.RoleAssistant, ToolCalls: []*contract.ToolCall{{ID: "call_1", Name: "add", Input: "{}"}}},
			{Role: contract.RoleTool, ToolCallID: "call_1", Name: "add", Content: "2"},
		},
		Tools:        []contract.ToolDef{addTool},
		ToolsEnabled: true,
	})

	require.NoError(t, err)
	require.Len(t, c.Calls, 1)
	assert.Equal(t, "call_2", c.Calls[0].ID)
}

func TestAdapter_ToolsDisabled(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.MatchedBy(func(req contract.CompletionRequest) bool {
		return len(req.Tools) == 0
	})).Return(&contract.CompletionResponse{
		Content:   "no tools",
		ToolCalls: []*contract.ToolCall{{ID: "x", Name: "add", Input: "{}"}},
	}, nil).Once()

	a := newTestAdapter(p)
	c, err := a.Complete(context.Background(), Request{
		Provider:     "cloud",
		Tools:        []contract.ToolDef{addTool},
		ToolsEnabled: false,
	})

	require.NoError(t, err)
	assert.Equal(t, FinalAnswer, c.Kind)
	assert.Empty(t, c.Calls)
	p.AssertExpectations(t)
}

func TestAdapter_UndeclaredToolIsProtocolViolation(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.Anything).Return(&contract.CompletionResponse{
		ToolCalls: []*contract.ToolCall{
			{ID: "c1", Name: "add", Input: "{}"},
			{ID: "c2", Name: "drop_database", Input: "{}"},
		},
	}, nil).Once()

	a := newTestAdapter(p)
	_, err := a.Complete(context.Background(), Request{
		Provider:     "cloud",
		Tools:        []contract.ToolDef{addTool},
		ToolsEnabled: true,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, conduitErrors.ErrProtocol))

	var violation *ProtocolViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, []string{"drop_database"}, violation.Unknown)
	assert.Len(t, violation.Calls, 2)
}

func TestAdapter_BackendError(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited by upstream")).Once()

	a := newTestAdapter(p)
	_, err := a.Complete(context.Background(), Request{Provider: "cloud"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, conduitErrors.ErrBackend))
	assert.Contains(t, err.Error(), "rate limited by upstream")
}

func TestAdapter_UnknownProvider(t *testing.T) {
	a := newTestAdapter(new(MockProvider))
	_, err := a.Complete(context.Background(), Request{Provider: "nowhere"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, conduitErrors.ErrBackend))
}

func TestAdapter_ExplicitModelOverridesDefault(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.MatchedBy(func(req contract.CompletionRequest) bool {
		return req.Model == "qwen2.5:7b"
	})).Return(&contract.CompletionResponse{Content: "ok"}, nil).Once()

	a := newTestAdapter(p)
	_, err := a.Complete(context.Background(), Request{Provider: "cloud", Model: "qwen2.5:7b"})

	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestAdapter_RequestTimeoutApplied(t *testing.T) {
	p := new(MockProvider)
	p.On("Generate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		<-ctx.Done()
	}).Return(nil, context.DeadlineExceeded).Once()

	r := NewRegistry()
	r.Register("cloud", p, "gpt-test")
	a := NewAdapter(r, 20*time.Millisecond)

	_, err := a.Complete(context.Background(), Request{Provider: "cloud"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, conduitErrors.ErrBackend))
}
