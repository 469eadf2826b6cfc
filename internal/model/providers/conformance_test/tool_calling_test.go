package conformance_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/conduit/internal/model"
	"github.com/harunnryd/conduit/internal/model/contract"
	openaiProvider "github.com/harunnryd/conduit/internal/model/providers/openai"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an OpenAI-compatible endpoint that asks for add(2,2) until it
// sees the tool result, then answers with the sum.
type fakeBackend struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if strings.HasSuffix(r.URL.Path, "/models") {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object": "list",
				"data": []map[string]any{
					{"id": "qwen2.5:7b", "object": "model", "owned_by": "library"},
					{"id": "llama3.1:latest", "object": "model", "owned_by": "library"},
				},
			})
			return
		}

		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}

		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.requests = append(b.requests, req)
		b.mu.Unlock()

		message := map[string]any{"role": "assistant", "content": ""}
		finish := "stop"

		last := req.Messages[len(req.Messages)-1]
		switch {
		case last.Role == "tool":
			message["content"] = "2 plus 2 is " + last.Content
		case len(req.Tools) > 0:
			finish = "tool_calls"
			message["tool_calls"] = []map[string]any{{
				"id":   "call_add",
				"type": "function",
				"function": map[string]any{
					"name":      "add",
					"arguments": `{"a":2,"b":2}`,
				},
			}}
		default:
			message["content"] = "I cannot use tools right now."
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finish}},
		})
	})
}

func (b *fakeBackend) last() openai.ChatCompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

var addTool = contract.ToolDef{
	Name:        "add",
	Description: "Add two numbers",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"a": map[string]interface{}{"type": "number"},
			"b": map[string]interface{}{"type": "number"},
		},
		"required": []string{"a", "b"},
	},
}

type variant struct {
	name         string
	providerType string
	apiKey       string
	defaultModel string
}

var variants = []variant{
	{name: "cloud", providerType: "openai", apiKey: "sk-test", defaultModel: "gpt-4-turbo"},
	{name: "local", providerType: "ollama", apiKey: "ollama", defaultModel: "llama3.1:latest"},
}

func newAdapter(t *testing.T, v variant) (*model.Adapter, *fakeBackend) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	registry := model.NewRegistry()
	registry.Register(v.name, openaiProvider.New(v.apiKey, srv.URL+"/v1", v.providerType), v.defaultModel)
	return model.NewAdapter(registry, 5*time.Second), backend
}

func TestToolCallRoundTrip(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			adapter, backend := newAdapter(t, v)
			ctx := context.Background()

			messages := []contract.Message{
				{Role: contract.RoleSystem, Content: "You are helpful."},
				{Role: contract.RoleUser, Content: "What is 2 plus 2?"},
			}

			first, err := adapter.Complete(ctx, model.Request{Provider: v.name, Messages: messages, Tools: []contract.ToolDef{addTool}, ToolsEnabled: true})
			require.NoError(t, err)
			require.Equal(t, model.ToolRequest, first.Kind)
			require.Len(t, first.Calls, 1)
			assert.Equal(t, "call_add", first.Calls[0].ID)
			assert.Equal(t, "add", first.Calls[0].Name)
			assert.JSONEq(t, `{"a":2,"b":2}`, first.Calls[0].Input)
			assert.Equal(t, v.defaultModel, backend.last().Model)

			messages = append(messages,
				contract.Message{Role: contract.RoleAssistant, ToolCalls: first.Calls},
				contract.Message{Role: contract.RoleTool, ToolCallID: "call_add", Name: "add", Content: "4"},
			)

			second, err := adapter.Complete(ctx, model.Request{Provider: v.name, Messages: messages, Tools: []contract.ToolDef{addTool}, ToolsEnabled: true})
			require.NoError(t, err)
			assert.Equal(t, model.FinalAnswer, second.Kind)
			assert.Contains(t, second.Text, "4")

			sent := backend.last()
			require.Len(t, sent.Messages, 4)
			assert.Equal(t, "system", sent.Messages[0].Role)
			require.Len(t, sent.Messages[2].ToolCalls, 1)
			assert.Equal(t, "call_add", sent.Messages[2].ToolCalls[0].ID)
			assert.Equal(t, "tool", sent.Messages[3].Role)
			assert.Equal(t, "call_add", sent.Messages[3].ToolCallID)
		})
	}
}

func TestToolsDisabledSendsNoDeclarations(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			adapter, backend := newAdapter(t, v)

			c, err := adapter.Complete(context.Background(), model.Request{
				Provider:     v.name,
				Messages:     []contract.Message{{Role: contract.RoleUser, Content: "What is 2 plus 2?"}},
				Tools:        []contract.ToolDef{addTool},
				ToolsEnabled: false,
			})
			require.NoError(t, err)
			assert.Equal(t, model.FinalAnswer, c.Kind)
			assert.Empty(t, backend.last().Tools)
		})
	}
}

func TestLocalModelListing(t *testing.T) {
	adapter, _ := newAdapter(t, variants[1])

	models, err := adapter.Registry().ListModels(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:latest", "qwen2.5:7b"}, models)
}
