package arbor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/compaction"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/aretw0/arbor/pkg/session"
	"github.com/aretw0/arbor/pkg/tools"
	"github.com/aretw0/arbor/pkg/toolserver"
)

// TurnResult is the outcome of one executed turn.
type TurnResult = runtime.TurnResult

// CheckpointPolicy controls how often turn progress is persisted.
type CheckpointPolicy = runtime.CheckpointPolicy

// Checkpoint policies accepted by WithCheckpointPolicy.
const (
	CheckpointPerStep = runtime.CheckpointPerStep
	CheckpointPerTurn = runtime.CheckpointPerTurn
)

// IntentClassifier maps a user message to an intent label.
type IntentClassifier = runtime.IntentClassifier

// KeywordClassifier returns the deterministic keyword-matching classifier,
// an alternative to the default model-backed classification.
func KeywordClassifier() IntentClassifier {
	return runtime.KeywordClassifier()
}

// Agent is the high-level entry point: it owns the tool registry, the
// session registry, the tool server pool, and the turn executor.
type Agent struct {
	sessions *session.Manager
	registry *registry.Registry
	bundles  *registry.BundleManager
	pool     *toolserver.Pool
	executor *runtime.Executor
	logger   *slog.Logger
	noWait   bool
}

type config struct {
	store        ports.CheckpointStore
	namespace    string
	locker       ports.DistributedLocker
	logger       *slog.Logger
	hooks        domain.LifecycleHooks
	compactor    *compaction.Compactor
	classifier   runtime.IntentClassifier
	systemPrompt string

	maxToolIterations int
	policy            runtime.CheckpointPolicy
	noWait            bool
	idleTTL           time.Duration

	bundleDir    string
	serverConfig string
	servers      []toolserver.ServerConfig
	poolOpts     []toolserver.PoolOption

	builtinOpts   []tools.Option
	extraBuiltins []domain.ToolDescriptor
	scriptOpts    []tools.ScriptOption
}

// Option configures the Agent.
type Option func(*config)

// WithStore selects the checkpoint backend. Defaults to the in-memory store.
func WithStore(store ports.CheckpointStore) Option {
	return func(c *config) {
		if store != nil {
			c.store = store
		}
	}
}

// WithNamespace sets the checkpoint namespace.
func WithNamespace(ns string) Option {
	return func(c *config) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithLocker installs a distributed locker for multi-replica deployments.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(c *config) { c.locker = locker }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(c *config) { c.hooks = hooks }
}

// WithCompactor overrides the history compactor.
func WithCompactor(comp *compaction.Compactor) Option {
	return func(c *config) { c.compactor = comp }
}

// WithIntentClassifier replaces intent classification; see
// runtime.KeywordClassifier for the deterministic strategy.
func WithIntentClassifier(fn runtime.IntentClassifier) Option {
	return func(c *config) { c.classifier = fn }
}

// WithSystemPrompt sets the prompt used when no bundle matches.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithMaxToolIterations bounds the tool loop per turn.
func WithMaxToolIterations(n int) Option {
	return func(c *config) { c.maxToolIterations = n }
}

// WithCheckpointPolicy selects per-step (default) or per-turn saves.
func WithCheckpointPolicy(p runtime.CheckpointPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithNoWait makes RunTurn fail with ErrBusy instead of queueing when the
// conversation is mid-turn.
func WithNoWait() Option {
	return func(c *config) { c.noWait = true }
}

// WithIdleTTL sets how long unused conversation state stays cached.
func WithIdleTTL(ttl time.Duration) Option {
	return func(c *config) { c.idleTTL = ttl }
}

// WithBundleDir loads capability bundle descriptors from a directory.
func WithBundleDir(dir string) Option {
	return func(c *config) { c.bundleDir = dir }
}

// WithServerConfig loads tool server declarations from a YAML file.
func WithServerConfig(path string) Option {
	return func(c *config) { c.serverConfig = path }
}

// WithServers adds tool server declarations programmatically.
func WithServers(servers ...toolserver.ServerConfig) Option {
	return func(c *config) { c.servers = append(c.servers, servers...) }
}

// WithPoolOptions forwards options to the tool server pool.
func WithPoolOptions(opts ...toolserver.PoolOption) Option {
	return func(c *config) { c.poolOpts = append(c.poolOpts, opts...) }
}

// WithBuiltinOptions configures the built-in tool set.
func WithBuiltinOptions(opts ...tools.Option) Option {
	return func(c *config) { c.builtinOpts = append(c.builtinOpts, opts...) }
}

// WithTools registers additional in-process tools.
func WithTools(descriptors ...domain.ToolDescriptor) Option {
	return func(c *config) { c.extraBuiltins = append(c.extraBuiltins, descriptors...) }
}

// WithScriptOptions configures the bundle script runner.
func WithScriptOptions(opts ...tools.ScriptOption) Option {
	return func(c *config) { c.scriptOpts = append(c.scriptOpts, opts...) }
}

// New assembles an Agent around a model client.
func New(ctx context.Context, model ports.ModelClient, opts ...Option) (*Agent, error) {
	if model == nil {
		return nil, fmt.Errorf("a model client is required")
	}

	cfg := &config{
		store:     memory.NewStore(),
		namespace: "default",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// The sink closure closes over reg so the pool can publish discovered
	// tools into a registry that is constructed right after it.
	var reg *registry.Registry
	poolOpts := append([]toolserver.PoolOption{
		toolserver.WithPoolLogger(cfg.logger),
		toolserver.WithToolSink(func(serverID string, discovered []domain.ToolDescriptor) {
			reg.SetServerTools(serverID, discovered)
		}),
	}, cfg.poolOpts...)
	pool := toolserver.NewPool(poolOpts...)
	reg = registry.New(pool, registry.WithLogger(cfg.logger))

	builtins := tools.Builtins(cfg.builtinOpts...)
	builtins = append(builtins, cfg.extraBuiltins...)
	reg.RegisterBuiltins(builtins...)

	scripts := tools.NewScriptRunner(cfg.scriptOpts...)
	bundles := registry.NewBundleManager(reg, scripts.Build)
	if cfg.bundleDir != "" {
		ids, err := bundles.LoadDir(cfg.bundleDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load bundles: %w", err)
		}
		cfg.logger.Info("loaded capability bundles", "count", len(ids))
	}

	servers := cfg.servers
	if cfg.serverConfig != "" {
		fileCfg, err := toolserver.LoadConfig(cfg.serverConfig)
		if err != nil {
			return nil, err
		}
		servers = append(servers, fileCfg.Servers...)
	}
	for _, sc := range servers {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		// A server that fails to come up stays registered; a later reload
		// can still connect it.
		if err := pool.Add(ctx, sc); err != nil {
			cfg.logger.Warn("tool server unavailable at startup", "server", sc.ID, "err", err)
		}
	}

	sessionOpts := []session.Option{session.WithLogger(cfg.logger)}
	if cfg.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(cfg.locker))
	}
	if cfg.idleTTL > 0 {
		sessionOpts = append(sessionOpts, session.WithIdleTTL(cfg.idleTTL))
	}
	sessions := session.NewManager(cfg.store, cfg.namespace, sessionOpts...)

	execOpts := []runtime.ExecutorOption{
		runtime.WithLogger(cfg.logger),
		runtime.WithHooks(cfg.hooks),
	}
	if cfg.compactor != nil {
		execOpts = append(execOpts, runtime.WithCompactor(cfg.compactor))
	}
	if cfg.classifier != nil {
		execOpts = append(execOpts, runtime.WithIntentClassifier(cfg.classifier))
	}
	if cfg.systemPrompt != "" {
		execOpts = append(execOpts, runtime.WithSystemPrompt(cfg.systemPrompt))
	}
	if cfg.maxToolIterations > 0 {
		execOpts = append(execOpts, runtime.WithMaxToolIterations(cfg.maxToolIterations))
	}
	if cfg.policy != "" {
		execOpts = append(execOpts, runtime.WithCheckpointPolicy(cfg.policy))
	}
	executor := runtime.NewExecutor(model, reg, bundles, execOpts...)

	return &Agent{
		sessions: sessions,
		registry: reg,
		bundles:  bundles,
		pool:     pool,
		executor: executor,
		logger:   cfg.logger,
		noWait:   cfg.noWait,
	}, nil
}

// RunTurn executes one user turn against a conversation. Turns for the same
// isolation key are serialized; different keys run concurrently. Under the
// no-wait policy a busy key returns domain.ErrBusy immediately.
func (a *Agent) RunTurn(ctx context.Context, key domain.IsolationKey, message string) (*TurnResult, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("isolation key is incomplete: %s", key.String())
	}

	var (
		h   *session.Handle
		err error
	)
	if a.noWait {
		h, err = a.sessions.TryAcquire(ctx, key)
	} else {
		h, err = a.sessions.Acquire(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)

	return a.executor.RunTurn(ctx, runtime.TurnRequest{
		Key:     key,
		State:   h.State(),
		Message: message,
		Commit:  h.Commit,
	})
}

// GetState returns the latest conversation state without acquiring the
// execution lock. Cached unsaved progress wins over the durable checkpoint.
func (a *Agent) GetState(ctx context.Context, key domain.IsolationKey) (*domain.ExecutionState, error) {
	return a.sessions.Peek(ctx, key)
}

// DeleteConversation removes the cached state and the durable checkpoint.
func (a *Agent) DeleteConversation(ctx context.Context, key domain.IsolationKey) error {
	return a.sessions.Delete(ctx, key)
}

// ReloadBundle re-reads one bundle from its source and swaps it atomically.
// In-flight turns keep the catalog snapshot they started with.
func (a *Agent) ReloadBundle(_ context.Context, id string) error {
	return a.bundles.Reload(id)
}

// ReloadServer reconnects a tool server and re-runs discovery.
func (a *Agent) ReloadServer(ctx context.Context, id string) error {
	return a.pool.Reload(ctx, id)
}

// ServerStatuses reports the state of every configured tool server.
func (a *Agent) ServerStatuses() []toolserver.ServerStatus {
	return a.pool.Statuses()
}

// Bundles lists the loaded capability bundles.
func (a *Agent) Bundles() []domain.CapabilityBundle {
	return a.bundles.List()
}

// Tools lists the current tool catalog.
func (a *Agent) Tools() []domain.ToolDescriptor {
	return a.registry.Snapshot().List()
}

// StartEvictor begins background eviction of idle cached conversations.
func (a *Agent) StartEvictor(ctx context.Context, interval time.Duration) {
	a.sessions.StartEvictor(ctx, interval)
}

// Close shuts the tool server pool down, bounded by ctx.
func (a *Agent) Close(ctx context.Context) error {
	return a.pool.Close(ctx)
}
