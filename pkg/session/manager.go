package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

// lockEntry holds the per-key lock and its reference count.
// The lock is a 1-slot channel so acquisition can observe context
// cancellation, which a plain sync.Mutex cannot.
type lockEntry struct {
	slot chan struct{}
	refs int
}

// cacheEntry holds the in-memory state for a key between executions.
type cacheEntry struct {
	state      *domain.ExecutionState
	lastAccess time.Time
}

// Manager is the execution context registry. It maps an isolation key to an
// execution lock and the cached latest state, guaranteeing at most one
// active execution per key. Lock entries are garbage collected via reference
// counting; cache entries via idle eviction.
type Manager struct {
	store     ports.CheckpointStore
	namespace string

	mu    sync.Mutex
	locks map[string]*lockEntry
	cache map[string]*cacheEntry

	locker  ports.DistributedLocker
	logger  *slog.Logger
	idleTTL time.Duration
	lockTTL time.Duration
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking for multi-replica deployments.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIdleTTL sets how long an unused cache entry survives before eviction.
func WithIdleTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.idleTTL = ttl
	}
}

// WithLockTTL sets the distributed lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// NewManager creates an execution context registry backed by the given
// checkpoint store. The namespace scopes every read and write; two managers
// with different namespaces never observe each other's checkpoints.
func NewManager(store ports.CheckpointStore, namespace string, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		namespace: namespace,
		locks:     make(map[string]*lockEntry),
		cache:     make(map[string]*cacheEntry),
		logger:    logging.NewNop(),
		idleTTL:   30 * time.Minute,
		lockTTL:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle represents held ownership of one execution context. The holder has
// exclusive access to the state until Release.
type Handle struct {
	key      domain.IsolationKey
	state    *domain.ExecutionState
	manager  *Manager
	unlock   ports.UnlockFunc
	released bool
	discard  bool
}

// Key returns the isolation key this handle locks.
func (h *Handle) Key() domain.IsolationKey { return h.key }

// State returns the mutable execution state. Only valid until Release.
func (h *Handle) State() *domain.ExecutionState { return h.state }

// Commit persists the current state through the checkpoint store and returns
// the assigned version.
func (h *Handle) Commit(ctx context.Context) (int64, error) {
	return h.manager.store.Save(ctx, h.key, h.manager.namespace, h.state)
}

// Release returns the context to the registry, updating the cache. It is
// idempotent and must run even on error paths.
func (h *Handle) Release(ctx context.Context) {
	if h.released {
		return
	}
	h.released = true
	h.manager.finish(ctx, h)
}

// acquireEntry gets or creates a lock entry and increments its refcount.
func (m *Manager) acquireEntry(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

// releaseEntry decrements the refcount and deletes the entry at zero.
func (m *Manager) releaseEntry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// Acquire blocks until the execution lock for key is held, then loads the
// latest state (cache first, then checkpoint store, then a fresh state).
func (m *Manager) Acquire(ctx context.Context, key domain.IsolationKey) (*Handle, error) {
	return m.acquire(ctx, key, true)
}

// TryAcquire is the no-wait variant: it returns domain.ErrBusy when another
// execution already holds the lock for key.
func (m *Manager) TryAcquire(ctx context.Context, key domain.IsolationKey) (*Handle, error) {
	return m.acquire(ctx, key, false)
}

func (m *Manager) acquire(ctx context.Context, key domain.IsolationKey, wait bool) (*Handle, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid isolation key: %q", key.String())
	}
	id := key.String()
	entry := m.acquireEntry(id)

	if wait {
		select {
		case entry.slot <- struct{}{}:
		case <-ctx.Done():
			m.releaseEntry(id)
			return nil, ctx.Err()
		}
	} else {
		select {
		case entry.slot <- struct{}{}:
		default:
			m.releaseEntry(id)
			return nil, domain.ErrBusy
		}
	}

	var unlock ports.UnlockFunc
	if m.locker != nil {
		var err error
		unlock, err = m.locker.Lock(ctx, id, m.lockTTL)
		if err != nil {
			<-entry.slot
			m.releaseEntry(id)
			return nil, fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
	}

	state, err := m.loadState(ctx, key)
	if err != nil {
		if unlock != nil {
			if uerr := unlock(ctx); uerr != nil {
				m.logger.Warn("failed to release distributed lock", "key", id, "err", uerr)
			}
		}
		<-entry.slot
		m.releaseEntry(id)
		return nil, err
	}

	return &Handle{key: key, state: state, manager: m, unlock: unlock}, nil
}

// loadState resolves the current state for a held key. The in-memory cache
// is authoritative over the store: it may contain tail progress from a turn
// whose checkpoint save failed.
func (m *Manager) loadState(ctx context.Context, key domain.IsolationKey) (*domain.ExecutionState, error) {
	id := key.String()

	m.mu.Lock()
	cached, ok := m.cache[id]
	if ok {
		cached.lastAccess = time.Now()
		// The holder mutates its own copy; the cached snapshot stays
		// readable by Peek until Release swaps it out.
		state := cached.state.Clone()
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	state, err := m.store.Load(ctx, key, m.namespace)
	if err == nil {
		return state, nil
	}
	if err != domain.ErrCheckpointNotFound {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return domain.NewExecutionState(), nil
}

// finish caches the final state and releases all locks for a handle.
func (m *Manager) finish(ctx context.Context, h *Handle) {
	id := h.key.String()

	m.mu.Lock()
	if h.discard {
		delete(m.cache, id)
	} else {
		m.cache[id] = &cacheEntry{state: h.state, lastAccess: time.Now()}
	}
	m.mu.Unlock()

	if h.unlock != nil {
		if err := h.unlock(ctx); err != nil {
			m.logger.Warn("failed to release distributed lock (will expire via TTL)",
				"key", id,
				"err", err,
			)
		}
	}

	entry := func() *lockEntry {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.locks[id]
	}()
	if entry != nil {
		<-entry.slot
	}
	m.releaseEntry(id)
}

// Peek returns the latest known state for a key without taking the
// execution lock: cache first, then the checkpoint store.
func (m *Manager) Peek(ctx context.Context, key domain.IsolationKey) (*domain.ExecutionState, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid isolation key: %q", key.String())
	}
	id := key.String()

	m.mu.Lock()
	if cached, ok := m.cache[id]; ok {
		state := cached.state.Clone()
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	return m.store.Load(ctx, key, m.namespace)
}

// Delete removes the durable checkpoint and the cache entry for a key.
// It takes the execution lock so a running turn cannot race the deletion.
func (m *Manager) Delete(ctx context.Context, key domain.IsolationKey) error {
	h, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release(ctx)

	if err := m.store.Delete(ctx, key, m.namespace); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	// Release must not repopulate the cache with the deleted conversation.
	h.discard = true
	return nil
}

// EvictIdle drops cache entries untouched for longer than the idle TTL and
// returns how many were removed. Eviction never deletes durable checkpoints;
// the next Acquire reloads from the store.
func (m *Manager) EvictIdle() int {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, entry := range m.cache {
		// Keys currently locked stay cached; their state is live.
		if _, held := m.locks[id]; held {
			continue
		}
		if entry.lastAccess.Before(cutoff) {
			delete(m.cache, id)
			evicted++
		}
	}
	return evicted
}

// StartEvictor runs idle eviction on the given interval until ctx is done.
func (m *Manager) StartEvictor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.EvictIdle(); n > 0 {
					m.logger.Debug("evicted idle contexts", "count", n)
				}
			}
		}
	}()
}
