package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
)

type fakeConn struct {
	tools       []wireTool
	discoverErr error
	callFn      func(ctx context.Context, tool string, args map[string]any) (any, error)

	calls  atomic.Int64
	closed atomic.Bool
}

func (f *fakeConn) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	f.calls.Add(1)
	if f.callFn != nil {
		return f.callFn(ctx, tool, args)
	}
	return "ok:" + tool, nil
}

func (f *fakeConn) Discover(ctx context.Context) ([]wireTool, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.tools, nil
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

// dialQueue hands out conns in order; once drained, it repeats the last one
// or fails if none were configured.
type dialQueue struct {
	mu    sync.Mutex
	conns []Conn
	errs  []error
	dials int
}

func (q *dialQueue) dial(ctx context.Context, cfg ServerConfig) (Conn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dials++
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(q.conns) == 0 {
		return nil, errors.New("dial queue exhausted")
	}
	conn := q.conns[0]
	if len(q.conns) > 1 {
		q.conns = q.conns[1:]
	}
	return conn, nil
}

func serverCfg(id string) ServerConfig {
	return ServerConfig{ID: id, Transport: TransportStdio, Command: "fake", PoolSize: 2}
}

func TestPool_AddDiscoversAndPublishes(t *testing.T) {
	conn := &fakeConn{tools: []wireTool{{Name: "search", Description: "find things"}}}
	q := &dialQueue{conns: []Conn{conn}}

	var published []domain.ToolDescriptor
	p := NewPool(
		WithDialer(q.dial),
		WithPoolLogger(logging.NewNop()),
		WithToolSink(func(serverID string, tools []domain.ToolDescriptor) {
			published = tools
		}),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	require.Len(t, published, 1)
	assert.Equal(t, "search", published[0].Name)
	assert.Equal(t, domain.OriginServer, published[0].Origin)
	assert.Equal(t, "files", published[0].ServerID)

	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusConnected, statuses[0].Status)
	assert.Equal(t, 1, statuses[0].ToolCount)
}

func TestPool_CallDelegates(t *testing.T) {
	conn := &fakeConn{}
	p := NewPool(WithDialer((&dialQueue{conns: []Conn{conn}}).dial), WithPoolLogger(logging.NewNop()))
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	result, err := p.Call(context.Background(), "files", "read_file", map[string]any{"path": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", result)
}

func TestPool_UnknownServer(t *testing.T) {
	p := NewPool(WithPoolLogger(logging.NewNop()))
	_, err := p.Call(context.Background(), "ghost", "tool", nil)
	te, ok := domain.AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrUnavailable, te.Kind)
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
}

func TestPool_DisconnectedServerUnavailable(t *testing.T) {
	q := &dialQueue{errs: []error{errors.New("spawn failed")}}
	p := NewPool(WithDialer(q.dial), WithPoolLogger(logging.NewNop()))

	err := p.Add(context.Background(), serverCfg("files"))
	require.Error(t, err, "connect failure is reported")

	// But the server stays registered for a later reload.
	_, callErr := p.Call(context.Background(), "files", "tool", nil)
	te, ok := domain.AsToolError(callErr)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrUnavailable, te.Kind)
}

func TestPool_DisabledServerNotDialed(t *testing.T) {
	q := &dialQueue{}
	p := NewPool(WithDialer(q.dial), WithPoolLogger(logging.NewNop()))

	off := false
	cfg := serverCfg("files")
	cfg.Enabled = &off
	require.NoError(t, p.Add(context.Background(), cfg))
	assert.Equal(t, 0, q.dials)

	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusDisconnected, statuses[0].Status)
}

func TestPool_SlotExhaustion(t *testing.T) {
	release := make(chan struct{})
	conn := &fakeConn{callFn: func(ctx context.Context, tool string, args map[string]any) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	p := NewPool(
		WithDialer((&dialQueue{conns: []Conn{conn}}).dial),
		WithPoolLogger(logging.NewNop()),
		WithSlotTimeout(30*time.Millisecond),
	)
	cfg := serverCfg("files")
	cfg.PoolSize = 1
	require.NoError(t, p.Add(context.Background(), cfg))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Call(context.Background(), "files", "slow", nil)
	}()

	require.Eventually(t, func() bool { return conn.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	_, err := p.Call(context.Background(), "files", "fast", nil)
	te, ok := domain.AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrPoolExhausted, te.Kind)

	close(release)
	wg.Wait()
}

func TestPool_RemoteErrorNotRetried(t *testing.T) {
	conn := &fakeConn{callFn: func(ctx context.Context, tool string, args map[string]any) (any, error) {
		return nil, fmt.Errorf("%w: boom", errRemote)
	}}
	p := NewPool(
		WithDialer((&dialQueue{conns: []Conn{conn}}).dial),
		WithPoolLogger(logging.NewNop()),
		WithRetry(3, time.Millisecond),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	_, err := p.Call(context.Background(), "files", "explode", nil)
	te, ok := domain.AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrRemote, te.Kind)
	assert.Equal(t, int64(1), conn.calls.Load(), "remote errors must not be retried")

	statuses := p.Statuses()
	assert.Equal(t, StatusConnected, statuses[0].Status, "remote errors do not degrade the server")
}

func TestPool_TransportErrorRetriedThenDegraded(t *testing.T) {
	failing := &fakeConn{callFn: func(ctx context.Context, tool string, args map[string]any) (any, error) {
		return nil, errors.New("broken pipe")
	}}
	p := NewPool(
		WithDialer((&dialQueue{conns: []Conn{failing}}).dial),
		WithPoolLogger(logging.NewNop()),
		WithRetry(2, time.Millisecond),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	_, err := p.Call(context.Background(), "files", "read_file", nil)
	te, ok := domain.AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrTransport, te.Kind)
	assert.Equal(t, int64(3), failing.calls.Load(), "initial attempt plus two retries")

	statuses := p.Statuses()
	assert.Equal(t, StatusDegraded, statuses[0].Status)
}

func TestPool_RedialFailureUnavailable(t *testing.T) {
	failing := &fakeConn{callFn: func(ctx context.Context, tool string, args map[string]any) (any, error) {
		return nil, errors.New("broken pipe")
	}}
	// The first dial succeeds; every redial after the lost exchange fails,
	// so the server is unreachable rather than flaky mid-exchange.
	q := &dialQueue{conns: []Conn{failing}, errs: []error{nil, errors.New("connection refused"), errors.New("connection refused")}}
	p := NewPool(
		WithDialer(q.dial),
		WithPoolLogger(logging.NewNop()),
		WithRetry(2, time.Millisecond),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	_, err := p.Call(context.Background(), "files", "read_file", nil)
	te, ok := domain.AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrUnavailable, te.Kind)

	statuses := p.Statuses()
	assert.Equal(t, StatusDegraded, statuses[0].Status)
}

func TestPool_TransportRetryRecovers(t *testing.T) {
	failing := &fakeConn{callFn: func(ctx context.Context, tool string, args map[string]any) (any, error) {
		return nil, errors.New("broken pipe")
	}}
	healthy := &fakeConn{}
	p := NewPool(
		WithDialer((&dialQueue{conns: []Conn{failing, healthy}}).dial),
		WithPoolLogger(logging.NewNop()),
		WithRetry(2, time.Millisecond),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	result, err := p.Call(context.Background(), "files", "read_file", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", result)
	assert.True(t, failing.closed.Load(), "dead connection is torn down before redial")
}

func TestPool_ReloadDiscoveryFailureKeepsTools(t *testing.T) {
	v1 := &fakeConn{tools: []wireTool{{Name: "search"}}}
	broken := &fakeConn{discoverErr: errors.New("discovery timed out")}
	p := NewPool(
		WithDialer((&dialQueue{conns: []Conn{v1, broken}}).dial),
		WithPoolLogger(logging.NewNop()),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))

	err := p.Reload(context.Background(), "files")
	require.Error(t, err)

	// Prior tool list stays in effect, server is degraded but callable.
	tools, terr := p.Tools("files")
	require.NoError(t, terr)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)

	statuses := p.Statuses()
	assert.Equal(t, StatusDegraded, statuses[0].Status)

	_, cerr := p.Call(context.Background(), "files", "search", nil)
	assert.NoError(t, cerr)
}

func TestPool_ReloadPicksUpNewTools(t *testing.T) {
	v1 := &fakeConn{tools: []wireTool{{Name: "search"}}}
	v2 := &fakeConn{tools: []wireTool{{Name: "search"}, {Name: "fetch"}}}

	var mu sync.Mutex
	var published [][]domain.ToolDescriptor
	p := NewPool(
		WithDialer((&dialQueue{conns: []Conn{v1, v2}}).dial),
		WithPoolLogger(logging.NewNop()),
		WithToolSink(func(serverID string, tools []domain.ToolDescriptor) {
			mu.Lock()
			published = append(published, tools)
			mu.Unlock()
		}),
	)
	require.NoError(t, p.Add(context.Background(), serverCfg("files")))
	require.NoError(t, p.Reload(context.Background(), "files"))

	assert.True(t, v1.closed.Load(), "reload closes the old connection")
	require.Len(t, published, 2)
	assert.Len(t, published[1], 2)

	statuses := p.Statuses()
	assert.Equal(t, StatusConnected, statuses[0].Status)
	assert.Equal(t, 2, statuses[0].ToolCount)
}

func TestPool_ReloadUnknown(t *testing.T) {
	p := NewPool(WithPoolLogger(logging.NewNop()))
	assert.ErrorIs(t, p.Reload(context.Background(), "ghost"), domain.ErrServerNotFound)
}

func TestPool_Close(t *testing.T) {
	a := &fakeConn{}
	b := &fakeConn{}
	p := NewPool(WithDialer((&dialQueue{conns: []Conn{a, b}}).dial), WithPoolLogger(logging.NewNop()))
	require.NoError(t, p.Add(context.Background(), serverCfg("alpha")))
	require.NoError(t, p.Add(context.Background(), serverCfg("beta")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())

	_, err := p.Call(context.Background(), "alpha", "tool", nil)
	te, ok := domain.AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ToolErrUnavailable, te.Kind)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file means no servers", func(t *testing.T) {
		cfg, err := LoadConfig("/nonexistent/servers.yaml")
		require.NoError(t, err)
		assert.Empty(t, cfg.Servers)
	})

	t.Run("defaults applied", func(t *testing.T) {
		c := ServerConfig{ID: "files", Command: "python3"}
		require.NoError(t, c.Validate())
		assert.Equal(t, TransportStdio, c.Transport)
		assert.Equal(t, defaultPoolSize, c.PoolSize)
		assert.True(t, c.IsEnabled())
	})

	t.Run("unsupported transport rejected", func(t *testing.T) {
		c := ServerConfig{ID: "files", Command: "x", Transport: "tcp"}
		assert.Error(t, c.Validate())
	})
}
