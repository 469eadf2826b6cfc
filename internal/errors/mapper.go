package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Wire kinds used by the capability protocol error payload.
const (
	KindNotFound         = "not_found"
	KindInvalidArguments = "invalid_arguments"
	KindExecution        = "execution_error"
	KindTimeout          = "timeout"
	KindProtocol         = "protocol_error"
	KindTransport        = "transport_error"
	KindBackend          = "backend_error"
	KindInternal         = "internal_error"
)

// ErrorMapper maps external errors to the conduit error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements conduit error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps external errors to conduit error categories
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTimeout)
	}

	if Category(err) != "Unknown" {
		return err
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %w", ErrNotFound)

	case strings.Contains(errStr, "invalid argument"), strings.Contains(errStr, "invalid input"):
		return fmt.Errorf("invalid arguments: %w", ErrInvalidArguments)

	case strings.Contains(errStr, "malformed"), strings.Contains(errStr, "invalid json"):
		return fmt.Errorf("malformed message: %w", ErrProtocol)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", ErrTimeout)

	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "broken pipe"), strings.Contains(errStr, "eof"):
		return fmt.Errorf("connection error: %w", ErrTransport)

	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "too many requests"):
		return fmt.Errorf("rate limited: %w", ErrTransient)

	default:
		return fmt.Errorf("internal error: %w", ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the conduit error category for an error
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// Category returns the conduit error category for an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrTransport):
		return "TransportError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidArguments):
		return "InvalidArguments"
	case errors.Is(err, ErrExecution):
		return "ExecutionError"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrBackend):
		return "BackendError"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrTransient):
		return "Transient"
	case errors.Is(err, ErrInternal):
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Kind returns the wire kind code for an error
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArguments):
		return KindInvalidArguments
	case errors.Is(err, ErrExecution):
		return KindExecution
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrBackend):
		return KindBackend
	default:
		return KindInternal
	}
}

// FromKind builds a categorized error from a wire kind code and message
func FromKind(kind, message string) error {
	var category error
	switch kind {
	case KindNotFound:
		category = ErrNotFound
	case KindInvalidArguments:
		category = ErrInvalidArguments
	case KindExecution:
		category = ErrExecution
	case KindTimeout:
		category = ErrTimeout
	case KindProtocol:
		category = ErrProtocol
	case KindTransport:
		category = ErrTransport
	default:
		category = ErrExecution
	}
	if message == "" {
		return category
	}
	return fmt.Errorf("%s: %w", message, category)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory wraps an error with a specific conduit error category, keeping the cause text
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w: %v", message, category, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Transport wraps error as transport
func Transport(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransport)
}

// Protocol wraps error as protocol
func Protocol(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProtocol)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidArguments wraps error as invalid arguments
func InvalidArguments(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidArguments)
}

// Timeout wraps error as timeout
func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

// Backend wraps error as backend
func Backend(message string) error {
	return fmt.Errorf("%s: %w", message, ErrBackend)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable checks if an error is a transport or transient condition that can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTransient)
}
