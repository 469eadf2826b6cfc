package model

import (
	"context"

	"github.com/harunnryd/conduit/internal/model/contract"
)

// Provider is one language model backend.
type Provider interface {
	Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error)
	Name() string
	Type() string
	Health(ctx context.Context) error
}

// ModelLister is implemented by backends that can enumerate the models they serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Completer is the surface the orchestrator depends on.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
