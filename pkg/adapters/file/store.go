package file

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/arbor/pkg/domain"
)

// checkpointFile is the on-disk envelope: the state blob plus its version.
type checkpointFile struct {
	Version int64                  `json:"version"`
	State   *domain.ExecutionState `json:"state"`
}

// Store implements ports.CheckpointStore using the local filesystem.
// Checkpoints are JSON files under basePath, one per (key, namespace).
// Suitable for single-node deployments and development.
type Store struct {
	BasePath string

	mu sync.Mutex
}

// NewStore creates a new file store rooted at basePath.
// If basePath is empty, it defaults to ".arbor/checkpoints".
func NewStore(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".arbor", "checkpoints")
	}
	return &Store{BasePath: basePath}
}

// path maps the composite key onto a directory tree, escaping each component
// individually so two distinct keys can never collide on disk.
func (f *Store) path(key domain.IsolationKey, namespace string) string {
	return filepath.Join(f.BasePath,
		url.PathEscape(namespace),
		url.PathEscape(key.Tenant),
		url.PathEscape(key.User),
		url.PathEscape(key.Conversation)+".json")
}

// Save persists the state, bumping the version stored in the envelope.
// The write is atomic via rename so a crash never leaves a torn file.
func (f *Store) Save(ctx context.Context, key domain.IsolationKey, namespace string, state *domain.ExecutionState) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key, namespace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to ensure checkpoint directory: %w", err)
	}

	var version int64
	if data, err := os.ReadFile(path); err == nil {
		var prev checkpointFile
		if err := json.Unmarshal(data, &prev); err == nil {
			version = prev.Version
		}
	}
	version++

	data, err := json.MarshalIndent(checkpointFile{Version: version, State: state}, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint file: %w", err)
	}

	return version, nil
}

// Load retrieves the latest state.
func (f *Store) Load(ctx context.Context, key domain.IsolationKey, namespace string) (*domain.ExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key, namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.State == nil {
		return nil, domain.ErrCheckpointNotFound
	}
	return cp.State, nil
}

// Delete removes the checkpoint file.
func (f *Store) Delete(ctx context.Context, key domain.IsolationKey, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key, namespace))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}
