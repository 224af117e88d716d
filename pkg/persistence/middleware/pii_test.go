package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
)

func TestPIIMiddleware_MasksMetadata(t *testing.T) {
	inner := memory.NewStore()
	store := Chain(inner, NewPIIMiddleware([]string{"(?i)api_key", "(?i)password"}))
	ctx := context.Background()

	state := domain.NewExecutionState()
	state.Metadata["api_key"] = "sk-secret"
	state.Metadata["favorite_color"] = "green"
	state.Metadata["nested"] = map[string]any{"Password": "hunter2"}

	_, err := store.Save(ctx, testKey(), "default", state)
	require.NoError(t, err)

	saved, err := inner.Load(ctx, testKey(), "default")
	require.NoError(t, err)
	assert.Equal(t, "***", saved.Metadata["api_key"])
	assert.Equal(t, "green", saved.Metadata["favorite_color"])
	nested := saved.Metadata["nested"].(map[string]any)
	assert.Equal(t, "***", nested["Password"])
}

func TestPIIMiddleware_MasksStepRecords(t *testing.T) {
	inner := memory.NewStore()
	store := Chain(inner, NewPIIMiddleware([]string{"token"}))
	ctx := context.Background()

	state := domain.NewExecutionState()
	state.RecordStep("http_request", map[string]any{"token": "abc", "url": "https://example.com"}, nil)

	_, err := store.Save(ctx, testKey(), "default", state)
	require.NoError(t, err)

	saved, err := inner.Load(ctx, testKey(), "default")
	require.NoError(t, err)
	require.Len(t, saved.Steps, 1)
	assert.Equal(t, "***", saved.Steps[0].Inputs["token"])
	assert.Equal(t, "https://example.com", saved.Steps[0].Inputs["url"])
}

func TestPIIMiddleware_DoesNotMutateOriginal(t *testing.T) {
	store := Chain(memory.NewStore(), NewPIIMiddleware([]string{"secret"}))
	ctx := context.Background()

	state := domain.NewExecutionState()
	state.Metadata["secret"] = "original"
	state.RecordStep("step", map[string]any{"secret": "original"}, nil)

	_, err := store.Save(ctx, testKey(), "default", state)
	require.NoError(t, err)

	assert.Equal(t, "original", state.Metadata["secret"])
	assert.Equal(t, "original", state.Steps[0].Inputs["secret"])
}
