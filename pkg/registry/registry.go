package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
)

// ServerCaller is the slice of the tool server pool the registry needs to
// dispatch external tools. Implemented by toolserver.Pool.
type ServerCaller interface {
	Call(ctx context.Context, serverID, tool string, args map[string]any) (any, error)
}

// Registry merges built-in tools, bundle script tools, and server-discovered
// tools into one addressable catalog, published as immutable versioned
// snapshots. Writers serialize on a mutex; readers load the current snapshot
// atomically and keep it for the duration of one call.
type Registry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[Snapshot]
	version int64

	builtins    []domain.ToolDescriptor
	bundleTools map[string][]domain.ToolDescriptor
	serverTools map[string][]domain.ToolDescriptor

	caller ServerCaller
	logger *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry. The caller may be nil when no external tool
// servers are configured; server tools then fail as unavailable.
func New(caller ServerCaller, opts ...Option) *Registry {
	r := &Registry{
		bundleTools: make(map[string][]domain.ToolDescriptor),
		serverTools: make(map[string][]domain.ToolDescriptor),
		caller:      caller,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publishLocked()
	return r
}

// Snapshot returns the currently published catalog view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// RegisterBuiltins adds in-process tools and publishes a new snapshot.
func (r *Registry) RegisterBuiltins(tools ...domain.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins = append(r.builtins, tools...)
	r.publishLocked()
}

// SetBundleTools replaces the script tools contributed by one bundle and
// publishes a new snapshot. An empty slice removes the bundle's tools.
func (r *Registry) SetBundleTools(bundleID string, tools []domain.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(tools) == 0 {
		delete(r.bundleTools, bundleID)
	} else {
		r.bundleTools[bundleID] = tools
	}
	r.publishLocked()
}

// SetServerTools replaces the discovered tools of one server and publishes a
// new snapshot. In-flight invocations keep the snapshot they started with.
func (r *Registry) SetServerTools(serverID string, tools []domain.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(tools) == 0 {
		delete(r.serverTools, serverID)
	} else {
		r.serverTools[serverID] = tools
	}
	r.publishLocked()
}

// publishLocked assembles and publishes a fresh snapshot. Callers hold r.mu.
func (r *Registry) publishLocked() {
	r.version++
	snap := newSnapshot(r.version)

	add := func(d domain.ToolDescriptor) {
		if _, exists := snap.tools[d.Name]; exists {
			r.logger.Warn("duplicate tool name, keeping earlier registration",
				"tool", d.Name,
				"origin", string(d.Origin),
			)
			return
		}
		snap.tools[d.Name] = d
		sch, err := compileSchema(d.Name, d.InputSchema)
		if err != nil {
			// Tools with a broken schema stay invocable, just unvalidated.
			r.logger.Warn("failed to compile tool input schema", "tool", d.Name, "err", err)
			return
		}
		if sch != nil {
			snap.compiled[d.Name] = sch
		}
	}

	for _, d := range r.builtins {
		add(d)
	}
	// Bundles and servers contribute in sorted-ID order so duplicate names
	// resolve the same way on every republish.
	for _, id := range sortedKeys(r.bundleTools) {
		for _, d := range r.bundleTools[id] {
			add(d)
		}
	}
	for _, id := range sortedKeys(r.serverTools) {
		for _, d := range r.serverTools[id] {
			add(d)
		}
	}

	r.snap.Store(snap)
}

// Invoke dispatches one tool call against a snapshot, enforcing the
// allow-list as a hard boundary: a call naming a tool outside the allowed
// set is rejected before any dispatch. Failures are returned as data in the
// ToolResult so the executor can feed them back to the model.
func (r *Registry) Invoke(ctx context.Context, snap *Snapshot, call domain.ToolCall, allowed []string) domain.ToolResult {
	if !Allowed(allowed, call.Name) {
		return errorResult(call, domain.NewToolError(
			domain.ToolErrPermissionDenied, call.Name,
			fmt.Errorf("tool not in active allow-list")))
	}

	desc, ok := snap.Lookup(call.Name)
	if !ok {
		return errorResult(call, domain.NewToolError(
			domain.ToolErrUnavailable, call.Name,
			fmt.Errorf("tool not registered")))
	}

	if sch := snap.validator(call.Name); sch != nil {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		if err := sch.Validate(normalizeArgs(args)); err != nil {
			return errorResult(call, domain.NewToolError(domain.ToolErrInvalidArgs, call.Name, err))
		}
	}

	var (
		result any
		err    error
	)
	switch {
	case desc.Handler != nil:
		result, err = desc.Handler(ctx, call.Args)
	case desc.ServerID != "":
		if r.caller == nil {
			err = domain.NewToolError(domain.ToolErrUnavailable, call.Name,
				fmt.Errorf("no tool server pool configured"))
		} else {
			result, err = r.caller.Call(ctx, desc.ServerID, call.Name, call.Args)
		}
	default:
		err = domain.NewToolError(domain.ToolErrUnavailable, call.Name,
			fmt.Errorf("descriptor has neither handler nor server"))
	}

	if err != nil {
		if _, ok := domain.AsToolError(err); !ok {
			// Connection-level and handler failures surface uniformly.
			kind := domain.ToolErrRemote
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				kind = domain.ToolErrTimeout
			}
			err = domain.NewToolError(kind, call.Name, err)
		}
		return errorResult(call, err)
	}

	return domain.ToolResult{ID: call.ID, Name: call.Name, Result: result}
}

func sortedKeys(m map[string][]domain.ToolDescriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func errorResult(call domain.ToolCall, err error) domain.ToolResult {
	return domain.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		IsError: true,
		Error:   err.Error(),
	}
}
