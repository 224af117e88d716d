package ports

import (
	"context"
	"testing"

	"github.com/aretw0/arbor/pkg/domain"
)

// RunCheckpointStoreContract verifies that a CheckpointStore adapter complies
// with the port semantics: round-trip fidelity, monotonic versions, namespace
// isolation, and delete behavior. Adapters call it from their own tests.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	t.Helper()
	ctx := context.Background()

	key := domain.IsolationKey{Tenant: "acme", User: "u1", Conversation: "c1"}
	other := domain.IsolationKey{Tenant: "acme", User: "u1", Conversation: "c2"}

	t.Run("Load_NotFound", func(t *testing.T) {
		_, err := store.Load(ctx, key, "default")
		if err != domain.ErrCheckpointNotFound {
			t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		state := domain.NewExecutionState()
		state.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "hello"})
		state.RecordStep("classify_intent", nil, map[string]any{"intent": "greeting"})
		state.Usage.Add(domain.TokenUsage{Prompt: 10, Completion: 5, Total: 15})

		if _, err := store.Save(ctx, key, "default", state); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		loaded, err := store.Load(ctx, key, "default")
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hello" {
			t.Errorf("messages mismatch: %+v", loaded.Messages)
		}
		if loaded.StepCount != 1 {
			t.Errorf("expected step count 1, got %d", loaded.StepCount)
		}
		if loaded.Usage.Total != 15 {
			t.Errorf("expected total usage 15, got %d", loaded.Usage.Total)
		}
	})

	t.Run("Version_Monotonic", func(t *testing.T) {
		state := domain.NewExecutionState()
		v1, err := store.Save(ctx, key, "versions", state)
		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
		state.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "more"})
		v2, err := store.Save(ctx, key, "versions", state)
		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if v2 <= v1 {
			t.Errorf("expected version to increase: v1=%d v2=%d", v1, v2)
		}
	})

	t.Run("Namespace_Isolation", func(t *testing.T) {
		a := domain.NewExecutionState()
		a.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "ns-a"})
		b := domain.NewExecutionState()
		b.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "ns-b"})

		if _, err := store.Save(ctx, key, "ns-a", a); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if _, err := store.Save(ctx, key, "ns-b", b); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		got, err := store.Load(ctx, key, "ns-a")
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if got.Messages[0].Content != "ns-a" {
			t.Errorf("namespace leak: got %q", got.Messages[0].Content)
		}
	})

	t.Run("Key_Isolation", func(t *testing.T) {
		_, err := store.Load(ctx, other, "default")
		if err != domain.ErrCheckpointNotFound {
			t.Fatalf("expected ErrCheckpointNotFound for other key, got %v", err)
		}
	})

	t.Run("Key_Encoding_Injective", func(t *testing.T) {
		// Both keys are valid, and naive component joining (or flattening
		// separators to a filler character) would map them to the same
		// storage location.
		first := domain.IsolationKey{Tenant: "a_b", User: "c", Conversation: "k"}
		second := domain.IsolationKey{Tenant: "a", User: "b_c", Conversation: "k"}

		state := domain.NewExecutionState()
		state.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "first only"})
		if _, err := store.Save(ctx, first, "default", state); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		if _, err := store.Load(ctx, second, "default"); err != domain.ErrCheckpointNotFound {
			t.Fatalf("keys collided in storage: expected ErrCheckpointNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		state := domain.NewExecutionState()
		if _, err := store.Save(ctx, key, "gone", state); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if err := store.Delete(ctx, key, "gone"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := store.Load(ctx, key, "gone"); err != domain.ErrCheckpointNotFound {
			t.Fatalf("expected ErrCheckpointNotFound after delete, got %v", err)
		}
	})
}
