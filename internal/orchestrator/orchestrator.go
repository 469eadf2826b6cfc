package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/config"
	"github.com/harunnryd/conduit/internal/conversation"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/logger"
	"github.com/harunnryd/conduit/internal/model"
	"github.com/harunnryd/conduit/internal/model/contract"
	"github.com/harunnryd/conduit/internal/orchestrator/command"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// State is the position of a session in its conversation loop.
type State string

const (
	StateAwaitingUserInput State = "awaiting_user_input"
	StateModelThinking     State = "model_thinking"
	StateToolExecuting     State = "tool_executing"
	StateResponding        State = "responding"
)

// Capabilities is the capability client surface the loop depends on.
type Capabilities interface {
	Tools() []capability.Tool
	DataSources() []string
	Invoke(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Emitter delivers outbound text to the interactive client.
type Emitter interface {
	Emit(ctx context.Context, text string) error
}

type EmitterFunc func(ctx context.Context, text string) error

func (f EmitterFunc) Emit(ctx context.Context, text string) error {
	return f(ctx, text)
}

type Options struct {
	MaxIterations     int
	MaxParallelTools  int
	AnnounceToolCalls bool
	InvokeTimeout     time.Duration
	DataSourceArg     string
	DataSourceTools   []string
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	invokeTimeout, err := config.DurationOrDefault(cfg.Capability.InvokeTimeout, config.DefaultCapabilityInvokeTimeout)
	if err != nil {
		return Options{}, fmt.Errorf("parse capability invoke timeout: %w", err)
	}

	return Options{
		MaxIterations:     cfg.Orchestrator.MaxIterations,
		MaxParallelTools:  cfg.Orchestrator.MaxParallelTools,
		AnnounceToolCalls: cfg.Orchestrator.AnnounceToolCalls,
		InvokeTimeout:     invokeTimeout,
		DataSourceArg:     cfg.Capability.DataSourceArg,
		DataSourceTools:   cfg.Capability.DataSourceTools,
	}, nil
}

// Orchestrator runs the conversation loop of one session. It is driven by a
// single goroutine and owns its conversation state.
type Orchestrator struct {
	completer model.Completer
	caps      Capabilities
	emitter   Emitter
	commands  command.Handler
	conv      *conversation.State
	opts      Options

	dataSourceTools map[string]struct{}
	state           State
}

func New(completer model.Completer, caps Capabilities, emitter Emitter, conv *conversation.State, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = config.DefaultOrchestratorMaxIterations
	}
	if opts.MaxParallelTools <= 0 {
		opts.MaxParallelTools = config.DefaultOrchestratorMaxParallelTools
	}

	dsTools := make(map[string]struct{}, len(opts.DataSourceTools))
	for _, name := range opts.DataSourceTools {
		dsTools[name] = struct{}{}
	}

	return &Orchestrator{
		completer:       completer,
		caps:            caps,
		emitter:         emitter,
		commands:        command.NewHandler(caps),
		conv:            conv,
		opts:            opts,
		dataSourceTools: dsTools,
		state:           StateAwaitingUserInput,
	}
}

func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) Conversation() *conversation.State {
	return o.conv
}

func (o *Orchestrator) transition(ctx context.Context, next State) {
	slog.Debug("Orchestrator transition", append(logger.Attrs(ctx), "from", o.state, "to", next)...)
	o.state = next
}

// HandleUserMessage processes one inbound user turn to completion. The only
// error returned is a failure to reach the client (or cancellation), both of
// which end the session.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, text string, settings conversation.Settings) error {
	ctx = logger.WithTraceID(ctx, ulid.Make().String())
	o.conv.Apply(settings)

	if o.commands.CanHandle(text) {
		return o.emit(ctx, o.commands.Execute(ctx, o.conv, text))
	}

	o.conv.AppendUser(text)
	o.transition(ctx, StateModelThinking)

	err := o.runTurn(ctx)
	o.transition(ctx, StateAwaitingUserInput)
	return err
}

func (o *Orchestrator) runTurn(ctx context.Context) error {
	settings := o.conv.Settings()

	var defs []contract.ToolDef
	if settings.ToolsEnabled {
		for _, t := range o.caps.Tools() {
			defs = append(defs, t.Definition())
		}
	}
	toolsEnabled := settings.ToolsEnabled && len(defs) > 0

	cycles := 0
	for {
		completion, err := o.completer.Complete(ctx, model.Request{
			Provider:     settings.Provider,
			Model:        settings.Model,
			Messages:     o.conv.Messages(),
			Tools:        defs,
			ToolsEnabled: toolsEnabled,
		})

		var calls []*contract.ToolCall
		var text string
		var violation *model.ProtocolViolation

		switch {
		case err == nil && completion.Kind == model.FinalAnswer:
			o.conv.AppendAssistant(completion.Text)
			o.transition(ctx, StateResponding)
			return o.emit(ctx, completion.Text)

		case err == nil:
			calls, text = completion.Calls, completion.Text

		case errors.As(err, &violation):
			slog.Warn("Model requested undeclared tools", append(logger.Attrs(ctx), "tools", violation.Unknown)...)
			calls, text = violation.Calls, violation.Text

		case ctx.Err() != nil:
			return ctx.Err()

		default:
			slog.Error("LLM provider failed", append(logger.Attrs(ctx), "provider", settings.Provider, "error", err)...)
			o.transition(ctx, StateResponding)
			return o.emit(ctx, fmt.Sprintf("Error from LLM provider: %v", err))
		}

		if cycles >= o.opts.MaxIterations {
			msg := fmt.Sprintf("Stopped after %d tool rounds without a final answer. Please refine the question and try again.", o.opts.MaxIterations)
			slog.Warn("Tool cycle ceiling reached", append(logger.Attrs(ctx), "max_iterations", o.opts.MaxIterations)...)
			o.conv.AppendAssistant(msg)
			o.transition(ctx, StateResponding)
			return o.emit(ctx, msg)
		}
		cycles++

		if err := o.conv.AppendToolRequest(text, calls); err != nil {
			// Ids are normalized by the adapter, so this is a bug rather than model output.
			slog.Error("Rejected tool request", append(logger.Attrs(ctx), "error", err)...)
			o.transition(ctx, StateResponding)
			return o.emit(ctx, fmt.Sprintf("Error: %v", err))
		}

		o.transition(ctx, StateToolExecuting)
		var results []string
		if violation != nil {
			results = o.rejectCalls(calls, violation)
		} else {
			if err := o.announce(ctx, calls); err != nil {
				return err
			}
			results = o.executeCalls(ctx, calls, settings)
		}

		for i, call := range calls {
			if err := o.conv.AppendToolResult(call.ID, call.Name, results[i]); err != nil {
				return conduitErrors.Wrap(err, "append tool result")
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.transition(ctx, StateModelThinking)
	}
}

func (o *Orchestrator) announce(ctx context.Context, calls []*contract.ToolCall) error {
	if !o.opts.AnnounceToolCalls {
		return nil
	}
	for _, call := range calls {
		if err := o.emit(ctx, fmt.Sprintf("🤖 Calling `%s` with `%s`", call.Name, call.Input)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) rejectCalls(calls []*contract.ToolCall, violation *model.ProtocolViolation) []string {
	unknown := make(map[string]struct{}, len(violation.Unknown))
	for _, name := range violation.Unknown {
		unknown[name] = struct{}{}
	}

	results := make([]string, len(calls))
	for i, call := range calls {
		if _, bad := unknown[call.Name]; bad {
			results[i] = toolError(conduitErrors.Protocol(fmt.Sprintf("tool %q was not declared", call.Name)))
		} else {
			results[i] = toolError(conduitErrors.Protocol("not executed: the request named undeclared tools"))
		}
	}
	return results
}

// executeCalls runs every call concurrently and returns results in request order.
func (o *Orchestrator) executeCalls(ctx context.Context, calls []*contract.ToolCall, settings conversation.Settings) []string {
	results := make([]string, len(calls))

	var g errgroup.Group
	g.SetLimit(o.opts.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.invoke(ctx, call, settings)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) invoke(ctx context.Context, call *contract.ToolCall, settings conversation.Settings) string {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Input), &args); err != nil || args == nil {
		return toolError(conduitErrors.InvalidArguments(fmt.Sprintf("invalid arguments for %s: expected a JSON object", call.Name)))
	}

	if _, ok := o.dataSourceTools[call.Name]; ok && settings.DataSource != "" && o.opts.DataSourceArg != "" {
		args[o.opts.DataSourceArg] = settings.DataSource
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return toolError(conduitErrors.InvalidArguments(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)))
	}

	start := time.Now()
	result, err := o.caps.Invoke(ctx, call.Name, raw, o.opts.InvokeTimeout)
	if err != nil {
		slog.Warn("Tool invocation failed",
			append(logger.Attrs(ctx), "tool_call_id", call.ID, "tool", call.Name, "kind", conduitErrors.Category(err), "latency", time.Since(start), "error", err)...)
		return toolError(err)
	}

	slog.Info("Tool invocation completed",
		append(logger.Attrs(ctx), "tool_call_id", call.ID, "tool", call.Name, "latency", time.Since(start))...)
	return formatResult(result)
}

func (o *Orchestrator) emit(ctx context.Context, text string) error {
	if err := o.emitter.Emit(ctx, text); err != nil {
		return conduitErrors.WrapWithCategory(err, "emit to client", conduitErrors.ErrTransport)
	}
	return nil
}

// toolError renders a failure as the content of a tool message.
func toolError(err error) string {
	payload, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"kind":  conduitErrors.Category(err),
	})
	return string(payload)
}

// formatResult renders a tool result as tool message content. A JSON string
// result is unwrapped to its text.
func formatResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
