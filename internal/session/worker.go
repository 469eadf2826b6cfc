package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/conduit/internal/concurrency"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/logger"
	"github.com/harunnryd/conduit/internal/orchestrator"
)

// internalErrorReply replaces the answer of a turn that failed on a bug.
const internalErrorReply = "Error: internal error"

// Disconnecter is implemented by emitters that can end the client connection
// with a reason once their session has terminated.
type Disconnecter interface {
	Disconnect(reason string)
}

// worker drains one session's inbox strictly in arrival order.
type worker struct {
	id      string
	handler Handler
	emitter orchestrator.Emitter
	inbox   chan Inbound

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	onFatal   func(id string)
}

func newWorker(parent context.Context, id string, handler Handler, emitter orchestrator.Emitter, inboxSize int, onFatal func(id string)) *worker {
	ctx, cancel := context.WithCancel(logger.WithSessionID(parent, id))
	return &worker{
		id:      id,
		handler: handler,
		emitter: emitter,
		inbox:   make(chan Inbound, inboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onFatal: onFatal,
	}
}

func (w *worker) start() {
	concurrency.SafeGo(func() {
		defer close(w.done)

		slog.Debug("Session worker started", "session_id", w.id)
		w.eventLoop()
		slog.Debug("Session worker stopped", "session_id", w.id)
	}, func(r interface{}) {
		w.fail("internal error")
	})
}

func (w *worker) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt := <-w.inbox:
			// Events racing a close are dropped, not handled.
			if w.ctx.Err() != nil {
				return
			}
			if !w.process(evt) {
				return
			}
		}
	}
}

func (w *worker) process(evt Inbound) bool {
	start := time.Now()
	slog.Info("Processing inbound event", "session_id", w.id, "id", evt.ID, "provider", evt.Settings.Provider, "tools_enabled", evt.Settings.ToolsEnabled)

	err := w.handle(evt)
	if err == nil {
		slog.Debug("Inbound event processed", "session_id", w.id, "id", evt.ID, "duration", time.Since(start))
		return true
	}

	if errors.Is(err, context.Canceled) || w.ctx.Err() != nil {
		return false
	}

	slog.Error("Session terminated", "session_id", w.id, "id", evt.ID, "kind", conduitErrors.Category(err), "error", err)
	if conduitErrors.IsCategory(err, conduitErrors.ErrTransport) {
		w.fail("transport failure")
		return false
	}

	// Non-transport failures leave the client reachable.
	reason := "Error: " + err.Error()
	if emitErr := w.emitter.Emit(w.ctx, reason); emitErr != nil {
		slog.Warn("Failed to report session failure", "session_id", w.id, "error", emitErr)
	}
	w.fail(reason)
	return false
}

// handle runs one turn. A panicking handler fails only that turn: the client
// gets an internal error reply and the session keeps serving.
func (w *worker) handle(evt Inbound) (err error) {
	panicked := false
	defer func() {
		if !panicked {
			return
		}
		if emitErr := w.emitter.Emit(w.ctx, internalErrorReply); emitErr != nil {
			err = conduitErrors.WrapWithCategory(emitErr, "report internal error", conduitErrors.ErrTransport)
		}
	}()
	defer concurrency.Recover("session "+w.id, func(r interface{}) {
		slog.Warn("Turn failed on panic", "session_id", w.id, "id", evt.ID, "error", concurrency.PanicError(r))
		panicked = true
	})
	return w.handler.HandleUserMessage(w.ctx, evt.Text, evt.Settings)
}

// enqueue hands an event to the session without blocking the caller.
func (w *worker) enqueue(evt Inbound) error {
	if w.ctx.Err() != nil {
		return conduitErrors.NotFound("session " + w.id + " is closed")
	}
	select {
	case w.inbox <- evt:
		return nil
	default:
		return conduitErrors.Transient("session " + w.id + " inbox is full")
	}
}

// fail detaches the session and ends its client connection when the emitter
// supports it, so the client is not left waiting on a dead session.
func (w *worker) fail(reason string) {
	if w.onFatal != nil {
		w.onFatal(w.id)
	}
	w.stop()
	if d, ok := w.emitter.(Disconnecter); ok {
		d.Disconnect(reason)
	}
}

func (w *worker) stop() {
	w.closeOnce.Do(w.cancel)
}

// wait blocks until the event loop exits or timeout elapses.
func (w *worker) wait(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
