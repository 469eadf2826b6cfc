package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrTransport - connection lost to the capability server or the interactive client
	// (session-fatal for the client side, reconnect with backoff for the capability side)
	ErrTransport = errors.New("transport error")

	// ErrProtocol - malformed or contractually invalid message (logged, surfaced to the model as a tool error)
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound - tool, session or resource not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidArguments - tool arguments rejected before or during execution
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrExecution - tool ran and failed on the capability server
	ErrExecution = errors.New("execution error")

	// ErrTimeout - no response within the deadline; the outcome is unknown, not "did not happen"
	ErrTimeout = errors.New("timeout")

	// ErrBackend - language model backend failure (terminal text for the turn, session stays open)
	ErrBackend = errors.New("backend error")

	// ErrInvalidInput - invalid input from configuration or an interactive frame
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient - temporary condition such as a full session inbox
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
