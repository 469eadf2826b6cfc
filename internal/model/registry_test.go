package model

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/conduit/internal/config"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listingProvider struct {
	MockProvider
	models []string
}

func (p *listingProvider) ListModels(ctx context.Context) ([]string, error) {
	return p.models, nil
}

func TestRegistry_ResolveDefaultModel(t *testing.T) {
	r := NewRegistry()
	r.Register("local", new(MockProvider), "llama3.1:latest")

	_, model, err := r.Resolve("local", "")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1:latest", model)

	_, model, err = r.Resolve("local", "mistral")
	require.NoError(t, err)
	assert.Equal(t, "mistral", model)

	_, _, err = r.Resolve("cloud", "")
	assert.True(t, errors.Is(err, conduitErrors.ErrNotFound))
}

func TestRegistry_FromConfigSkipsUnbuildableEntries(t *testing.T) {
	r, err := NewRegistryFromConfig(config.ModelsConfig{
		Registry: []config.ModelRegistry{
			{Name: "cloud", Provider: "openai", Model: "gpt-4-turbo"},
			{Name: "local", Provider: "ollama", Model: "llama3.1:latest"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, r.Names())
}

func TestRegistry_FromConfigNothingBuilt(t *testing.T) {
	_, err := NewRegistryFromConfig(config.ModelsConfig{
		Registry: []config.ModelRegistry{{Name: "mystery", Provider: "unknown"}},
	})
	assert.True(t, errors.Is(err, conduitErrors.ErrInternal))
}

func TestRegistry_ListModels(t *testing.T) {
	r := NewRegistry()
	r.Register("local", &listingProvider{models: []string{"llama3.1:latest", "qwen2.5:7b"}}, "")
	r.Register("cloud", new(MockProvider), "gpt-4-turbo")

	models, err := r.ListModels(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:latest", "qwen2.5:7b"}, models)

	_, err = r.ListModels(context.Background(), "cloud")
	assert.True(t, errors.Is(err, conduitErrors.ErrInvalidInput))
}
