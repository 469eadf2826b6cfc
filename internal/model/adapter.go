package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/logger"
	"github.com/harunnryd/conduit/internal/model/contract"
)

// Kind classifies a completion.
type Kind string

const (
	FinalAnswer Kind = "final_answer"
	ToolRequest Kind = "tool_request"
)

// Request is one completion call on behalf of a conversation.
type Request struct {
	Provider     string
	Model        string
	Messages     []contract.Message
	Tools        []contract.ToolDef
	ToolsEnabled bool
}

// Completion is either a final answer or a non-empty ordered list of tool calls.
type Completion struct {
	Kind  Kind
	Text  string
	Calls []*contract.ToolCall
}

// ProtocolViolation reports tool calls naming tools that were never declared.
// Calls holds the full normalized request so every id can still be answered.
type ProtocolViolation struct {
	Text    string
	Calls   []*contract.ToolCall
	Unknown []string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("model requested undeclared tools [%s]: %v", strings.Join(e.Unknown, ", "), conduitErrors.ErrProtocol)
}

func (e *ProtocolViolation) Unwrap() error {
	return conduitErrors.ErrProtocol
}

// Adapter presents every registered backend through one completion contract.
type Adapter struct {
	registry *Registry
	timeout  time.Duration
}

func NewAdapter(registry *Registry, timeout time.Duration) *Adapter {
	return &Adapter{registry: registry, timeout: timeout}
}

func (a *Adapter) Registry() *Registry {
	return a.registry
}

// Complete sends the conversation to the selected backend and normalizes the reply.
func (a *Adapter) Complete(ctx context.Context, req Request) (*Completion, error) {
	provider, modelName, err := a.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return nil, conduitErrors.WrapWithCategory(err, "resolve llm provider", conduitErrors.ErrBackend)
	}
	if modelName == "" {
		return nil, conduitErrors.Backend(fmt.Sprintf("model name required for llm provider %q", req.Provider))
	}

	creq := contract.CompletionRequest{Model: modelName, Messages: req.Messages}
	if req.ToolsEnabled {
		creq.Tools = req.Tools
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := provider.Generate(callCtx, creq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, conduitErrors.Wrap(ctx.Err(), "completion cancelled")
		}
		return nil, conduitErrors.WrapWithCategory(err, fmt.Sprintf("%s request failed", req.Provider), conduitErrors.ErrBackend)
	}
	if resp == nil {
		return nil, conduitErrors.Backend(fmt.Sprintf("%s returned no response", req.Provider))
	}

	slog.Debug("Completion received",
		append(logger.Attrs(ctx),
			"provider", req.Provider,
			"model", modelName,
			"tool_calls", len(resp.ToolCalls),
			"latency", time.Since(start))...)

	if !req.ToolsEnabled || len(resp.ToolCalls) == 0 {
		return &Completion{Kind: FinalAnswer, Text: resp.Content}, nil
	}

	calls := normalizeCalls(resp.ToolCalls, issuedIDs(req.Messages))
	if len(calls) == 0 {
		return &Completion{Kind: FinalAnswer, Text: resp.Content}, nil
	}

	declared := make(map[string]struct{}, len(req.Tools))
	for _, t := range req.Tools {
		declared[t.Name] = struct{}{}
	}
	var unknown []string
	for _, call := range calls {
		if _, ok := declared[call.Name]; !ok {
			unknown = append(unknown, call.Name)
		}
	}
	if len(unknown) > 0 {
		return nil, &ProtocolViolation{Text: resp.Content, Calls: calls, Unknown: unknown}
	}

	return &Completion{Kind: ToolRequest, Text: resp.Content, Calls: calls}, nil
}

// issuedIDs collects the tool call ids already present in a conversation.
func issuedIDs(messages []contract.Message) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, m := range messages {
		for _, call := range m.ToolCalls {
			if call != nil {
				ids[call.ID] = struct{}{}
			}
		}
	}
	return ids
}

// normalizeCalls copies calls, synthesizing ids that are missing or already
// used and replacing empty arguments with an empty object.
func normalizeCalls(in []*contract.ToolCall, used map[string]struct{}) []*contract.ToolCall {
	out := make([]*contract.ToolCall, 0, len(in))
	next := 1

	for _, tc := range in {
		if tc == nil {
			continue
		}
		call := *tc

		if _, dup := used[call.ID]; call.ID == "" || dup {
			for {
				call.ID = fmt.Sprintf("call_%d", next)
				next++
				if _, taken := used[call.ID]; !taken {
					break
				}
			}
		}
		used[call.ID] = struct{}{}

		if strings.TrimSpace(call.Input) == "" {
			call.Input = "{}"
		}
		out = append(out, &call)
	}

	return out
}
