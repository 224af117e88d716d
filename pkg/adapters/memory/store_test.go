package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, memory.NewStore())
}

func TestMemoryStore_SaveIsolatesCaller(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	key := domain.IsolationKey{Tenant: "t", User: "u", Conversation: "c"}

	state := domain.NewExecutionState()
	state.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "original"})
	_, err := store.Save(ctx, key, "ns", state)
	require.NoError(t, err)

	// Mutating the caller's copy must not affect the stored snapshot.
	state.Messages[0].Content = "mutated"

	loaded, err := store.Load(ctx, key, "ns")
	require.NoError(t, err)
	assert.Equal(t, "original", loaded.Messages[0].Content)
}
