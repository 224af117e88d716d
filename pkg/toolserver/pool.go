package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
)

// Status is the lifecycle state of one tool server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"

	// StatusDegraded means the server answers calls but its last discovery
	// or a recent transport exchange failed; the previously discovered tool
	// list stays in effect.
	StatusDegraded Status = "degraded"
)

// Conn is one live session with a tool server. The default implementation is
// the stdio subprocess client; tests substitute in-process fakes.
type Conn interface {
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
	Discover(ctx context.Context) ([]wireTool, error)
	Close() error
}

// DialFunc establishes a Conn for a server config.
type DialFunc func(ctx context.Context, cfg ServerConfig) (Conn, error)

func dialStdio(_ context.Context, cfg ServerConfig) (Conn, error) {
	return launch(cfg.Command, cfg.Args, cfg.Env)
}

// ToolSink receives the discovered tool list for a server whenever discovery
// succeeds. The engine wires this to the registry.
type ToolSink func(serverID string, tools []domain.ToolDescriptor)

const (
	defaultSlotTimeout = 5 * time.Second
	defaultMaxRetries  = 2
	defaultBackoff     = 200 * time.Millisecond
)

// Pool manages connections to configured tool servers and dispatches tool
// calls with per-server concurrency limits. It satisfies the registry's
// ServerCaller.
type Pool struct {
	mu      sync.RWMutex
	servers map[string]*serverConn

	dial        DialFunc
	sink        ToolSink
	logger      *slog.Logger
	slotTimeout time.Duration
	maxRetries  int
	backoff     time.Duration
}

type serverConn struct {
	cfg   ServerConfig
	slots chan struct{}

	mu     sync.Mutex
	status Status
	conn   Conn
	tools  []domain.ToolDescriptor
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer overrides how connections are established.
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// WithToolSink registers the callback fed with discovered tool lists.
func WithToolSink(sink ToolSink) PoolOption {
	return func(p *Pool) { p.sink = sink }
}

// WithPoolLogger sets the structured logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSlotTimeout bounds how long a call waits for a free worker slot before
// failing with pool_exhausted.
func WithSlotTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.slotTimeout = d
		}
	}
}

// WithRetry sets the bounded retry policy for transport failures.
// Remote errors reported by the server are never retried.
func WithRetry(maxRetries int, backoff time.Duration) PoolOption {
	return func(p *Pool) {
		if maxRetries >= 0 {
			p.maxRetries = maxRetries
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

// NewPool creates an empty pool. Servers are added with Add.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		servers:     make(map[string]*serverConn),
		dial:        dialStdio,
		logger:      slog.Default(),
		slotTimeout: defaultSlotTimeout,
		maxRetries:  defaultMaxRetries,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a server and, when enabled, connects and discovers its tools.
// A failed connect leaves the server registered as disconnected so that a
// later Reload can bring it up; the error is still returned so startup can
// report it.
func (p *Pool) Add(ctx context.Context, cfg ServerConfig) error {
	if cfg.ID == "" {
		return errors.New("server id is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	s := &serverConn{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.PoolSize),
		status: StatusDisconnected,
	}

	p.mu.Lock()
	if _, exists := p.servers[cfg.ID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("server %s already registered", cfg.ID)
	}
	p.servers[cfg.ID] = s
	p.mu.Unlock()

	if !cfg.IsEnabled() {
		p.logger.Info("tool server disabled", "server", cfg.ID)
		return nil
	}
	return p.connect(ctx, s)
}

// Reload tears down the server's connection, reconnects, and re-runs
// discovery. On discovery failure the previously discovered tool list stays
// in effect and the server is marked degraded.
func (p *Pool) Reload(ctx context.Context, serverID string) error {
	s, err := p.lookup(serverID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.status = StatusDisconnected
	s.mu.Unlock()

	return p.connect(ctx, s)
}

// Call dispatches one tool call to a server, blocking for a worker slot.
// Every failure mode comes back as a *domain.ToolError so the caller can
// turn it into result data for the model.
func (p *Pool) Call(ctx context.Context, serverID, tool string, args map[string]any) (any, error) {
	s, err := p.lookup(serverID)
	if err != nil {
		return nil, domain.NewToolError(domain.ToolErrUnavailable, tool, err)
	}

	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == StatusDisconnected || status == StatusConnecting {
		return nil, domain.NewToolError(domain.ToolErrUnavailable, tool,
			fmt.Errorf("server %s is %s", serverID, status))
	}

	// Worker slot acquisition is bounded separately from the call deadline:
	// a saturated server should fail fast, not queue a turn indefinitely.
	slotTimer := time.NewTimer(p.slotTimeout)
	defer slotTimer.Stop()
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-slotTimer.C:
		return nil, domain.NewToolError(domain.ToolErrPoolExhausted, tool,
			fmt.Errorf("server %s has no free worker slot", serverID))
	case <-ctx.Done():
		return nil, domain.NewToolError(domain.ToolErrTimeout, tool, ctx.Err())
	}

	return p.callWithRetry(ctx, s, tool, args)
}

func (p *Pool) callWithRetry(ctx context.Context, s *serverConn, tool string, args map[string]any) (any, error) {
	var lastErr error
	dialFailed := false
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, domain.NewToolError(domain.ToolErrTimeout, tool, ctx.Err())
			}
			// The previous attempt lost the transport; redial before retrying.
			if err := p.reconnect(ctx, s); err != nil {
				lastErr = err
				dialFailed = true
				continue
			}
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			lastErr = fmt.Errorf("server %s has no connection", s.cfg.ID)
			dialFailed = true
			continue
		}

		result, err := conn.Call(ctx, tool, args)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errRemote) {
			// The server executed and reported failure: not retryable.
			return nil, domain.NewToolError(domain.ToolErrRemote, tool, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, domain.NewToolError(domain.ToolErrTimeout, tool, ctxErr)
		}
		lastErr = err
		dialFailed = false
		p.logger.Warn("tool call transport failure",
			"server", s.cfg.ID, "tool", tool, "attempt", attempt+1, "err", err)
	}

	s.mu.Lock()
	if s.status == StatusConnected {
		s.status = StatusDegraded
	}
	s.mu.Unlock()

	// Retries that die redialing mean the server is unreachable; failures of
	// an established exchange stay classified as transport.
	kind := domain.ToolErrTransport
	if dialFailed {
		kind = domain.ToolErrUnavailable
	}
	return nil, domain.NewToolError(kind, tool, lastErr)
}

// reconnect redials without touching the discovered tool list.
func (p *Pool) reconnect(ctx context.Context, s *serverConn) error {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	conn, err := p.dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// connect dials and runs discovery. Dial failure leaves the server
// disconnected; discovery failure keeps the connection and the prior tool
// list but marks the server degraded.
func (p *Pool) connect(ctx context.Context, s *serverConn) error {
	s.mu.Lock()
	s.status = StatusConnecting
	s.mu.Unlock()

	conn, err := p.dial(ctx, s.cfg)
	if err != nil {
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		p.logger.Error("tool server connect failed", "server", s.cfg.ID, "err", err)
		return fmt.Errorf("failed to connect to server %s: %w", s.cfg.ID, err)
	}

	discovered, derr := conn.Discover(ctx)

	s.mu.Lock()
	s.conn = conn
	if derr != nil {
		s.status = StatusDegraded
		s.mu.Unlock()
		p.logger.Warn("tool discovery failed, keeping previous tool list",
			"server", s.cfg.ID, "err", derr)
		return fmt.Errorf("discovery failed for server %s: %w", s.cfg.ID, derr)
	}
	tools := make([]domain.ToolDescriptor, 0, len(discovered))
	for _, wt := range discovered {
		tools = append(tools, domain.ToolDescriptor{
			Name:        wt.Name,
			Description: wt.Description,
			InputSchema: wt.InputSchema,
			Origin:      domain.OriginServer,
			ServerID:    s.cfg.ID,
		})
	}
	s.tools = tools
	s.status = StatusConnected
	s.mu.Unlock()

	p.logger.Info("tool server connected", "server", s.cfg.ID, "tools", len(tools))
	if p.sink != nil {
		p.sink(s.cfg.ID, tools)
	}
	return nil
}

// Tools returns the last successfully discovered tool list for a server.
func (p *Pool) Tools(serverID string) ([]domain.ToolDescriptor, error) {
	s, err := p.lookup(serverID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out, nil
}

// ServerStatus describes one server for health reporting.
type ServerStatus struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	ToolCount int    `json:"tool_count"`
}

// Statuses returns the state of every registered server, sorted by ID.
func (p *Pool) Statuses() []ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ServerStatus, 0, len(p.servers))
	for id, s := range p.servers {
		s.mu.Lock()
		out = append(out, ServerStatus{ID: id, Status: s.status, ToolCount: len(s.tools)})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close shuts every connection down, waiting at most until the context
// deadline for teardown to finish.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	servers := make([]*serverConn, 0, len(p.servers))
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *serverConn) {
			defer wg.Done()
			s.mu.Lock()
			conn := s.conn
			s.conn = nil
			s.status = StatusDisconnected
			s.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown interrupted: %w", ctx.Err())
	}
}

func (p *Pool) lookup(serverID string) (*serverConn, error) {
	p.mu.RLock()
	s, ok := p.servers[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	return s, nil
}
