package model

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/harunnryd/conduit/internal/config"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	anthropicProvider "github.com/harunnryd/conduit/internal/model/providers/anthropic"
	geminiProvider "github.com/harunnryd/conduit/internal/model/providers/gemini"
	openaiProvider "github.com/harunnryd/conduit/internal/model/providers/openai"
)

type registration struct {
	provider     Provider
	defaultModel string
}

// Registry maps backend names ("cloud", "local", ...) to providers.
type Registry struct {
	providers map[string]registration
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]registration)}
}

// NewRegistryFromConfig builds a provider for every registry entry. Entries that
// cannot be built are skipped with a warning.
func NewRegistryFromConfig(cfg config.ModelsConfig) (*Registry, error) {
	r := NewRegistry()

	for _, entry := range cfg.Registry {
		provider, err := createProvider(entry)
		if err != nil {
			slog.Warn("Failed to create provider", "name", entry.Name, "provider", entry.Provider, "error", err)
			continue
		}

		r.Register(entry.Name, provider, entry.Model)
		slog.Info("Provider initialized", "name", entry.Name, "type", entry.Provider, "model", entry.Model)
	}

	if r.Len() == 0 && len(cfg.Registry) > 0 {
		return nil, conduitErrors.Internal("no providers initialized")
	}

	return r, nil
}

// Register adds or replaces the provider registered under name.
func (r *Registry) Register(name string, provider Provider, defaultModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = registration{provider: provider, defaultModel: defaultModel}
}

// Resolve returns the provider for name and the model to use when the caller gave none.
func (r *Registry) Resolve(name, model string) (Provider, string, error) {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, "", conduitErrors.NotFound(fmt.Sprintf("llm provider %q not registered", name))
	}
	if model == "" {
		model = reg.defaultModel
	}
	return reg.provider, model, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// ListModels enumerates models served by the named backend.
func (r *Registry) ListModels(ctx context.Context, name string) ([]string, error) {
	provider, _, err := r.Resolve(name, "")
	if err != nil {
		return nil, err
	}

	lister, ok := provider.(ModelLister)
	if !ok {
		return nil, conduitErrors.InvalidInput(fmt.Sprintf("llm provider %q cannot list models", name))
	}

	models, err := lister.ListModels(ctx)
	if err != nil {
		return nil, conduitErrors.WrapWithCategory(err, "list models failed", conduitErrors.ErrBackend)
	}
	return models, nil
}

// Health checks every registered provider
func (r *Registry) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, reg := range r.providers {
		if err := reg.provider.Health(ctx); err != nil {
			slog.Warn("Provider unhealthy", "provider", name, "error", err)
			return conduitErrors.Transient(fmt.Sprintf("provider %s unhealthy", name))
		}
	}

	return nil
}

// createProvider creates a provider instance based on registry entry
func createProvider(entry config.ModelRegistry) (Provider, error) {
	switch entry.Provider {
	case "openai":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenAIBaseURL
		}

		if entry.APIKey == "" {
			return nil, conduitErrors.InvalidInput("API key required for OpenAI provider")
		}

		return openaiProvider.New(entry.APIKey, baseURL, "openai"), nil

	case "ollama":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOllamaBaseURL
		}

		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = config.DefaultOllamaAPIKey
		}

		return openaiProvider.New(apiKey, baseURL, "ollama"), nil

	case "anthropic":
		if entry.APIKey == "" {
			return nil, conduitErrors.InvalidInput("API key required for Anthropic provider")
		}

		maxTokens := entry.MaxTokens
		if maxTokens <= 0 {
			maxTokens = config.DefaultAnthropicMaxTokens
		}

		return anthropicProvider.New(entry.APIKey, entry.BaseURL, int64(maxTokens)), nil

	case "gemini":
		if entry.APIKey == "" {
			return nil, conduitErrors.InvalidInput("API key required for Gemini provider")
		}

		provider, err := geminiProvider.New(entry.APIKey)
		if err != nil {
			return nil, conduitErrors.WrapWithCategory(err, "failed to create Gemini provider", conduitErrors.ErrInternal)
		}
		return provider, nil

	default:
		return nil, conduitErrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", entry.Provider))
	}
}

var _ Provider = (*openaiProvider.Provider)(nil)
var _ Provider = (*anthropicProvider.Provider)(nil)
var _ Provider = (*geminiProvider.Provider)(nil)
var _ ModelLister = (*openaiProvider.Provider)(nil)

