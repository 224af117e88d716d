package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Wire shapes for the line-framed JSON protocol spoken with tool server
// processes. One JSON object per line in each direction; responses are
// correlated by id, so a server may answer out of order.
type rpcRequest struct {
	ID       uint64         `json:"id"`
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Discover bool           `json:"discover,omitempty"`
}

type rpcResponse struct {
	ID           uint64          `json:"id"`
	Result       json.RawMessage `json:"result,omitempty"`
	Tools        []wireTool      `json:"tools,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// maxLineBytes bounds a single response line. Tool results larger than this
// indicate a misbehaving server, not a legitimate payload.
const maxLineBytes = 16 << 20

// errRemote marks failures reported by the server itself, as opposed to
// transport-level failures. Remote errors are never retried.
var errRemote = errors.New("remote tool error")

// client is one stdio session with a tool server process. It multiplexes
// concurrent calls over the single pipe pair via per-request ids.
type client struct {
	w       io.Writer
	closer  func() error
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// newClient wraps an established transport. The reader is consumed by a
// background loop until it fails or the client is closed; closer tears the
// transport down.
func newClient(w io.Writer, r io.Reader, closer func() error) *client {
	c := &client{
		w:       w,
		closer:  closer,
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// launch starts a tool server subprocess and returns a client speaking the
// stdio protocol with it. The process lifetime is tied to the client, not to
// the launch context.
func launch(command string, args, env []string) (*client, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	closer := func() error {
		_ = stdin.Close()
		if cmd.ProcessState == nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	}
	return newClient(stdin, stdout, closer), nil
}

// Call invokes one tool and blocks for its correlated response.
func (c *client) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	resp, err := c.roundTrip(ctx, rpcRequest{Tool: tool, Args: args})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s: %s", errRemote, resp.ErrorCode, resp.ErrorMessage)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed result payload: %w", err)
	}
	return result, nil
}

// Discover asks the server for its tool catalog.
func (c *client) Discover(ctx context.Context) ([]wireTool, error) {
	resp, err := c.roundTrip(ctx, rpcRequest{Discover: true})
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s: %s", errRemote, resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Tools, nil
}

// Close tears down the transport. In-flight calls fail with the read error.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			err = c.closer()
		}
	})
	return err
}

func (c *client) roundTrip(ctx context.Context, req rpcRequest) (rpcResponse, error) {
	select {
	case <-c.closed:
		return rpcResponse{}, c.closeError()
	default:
	}

	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	if err := c.write(req); err != nil {
		c.removePending(req.ID)
		return rpcResponse{}, fmt.Errorf("write failed: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.removePending(req.ID)
		return rpcResponse{}, ctx.Err()
	case <-c.closed:
		return rpcResponse{}, c.closeError()
	}
}

func (c *client) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func (c *client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Servers may log to stdout by mistake; skip anything that is
			// not a frame rather than killing the session.
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
}

// fail records the terminal read error, unblocks waiters, and closes.
func (c *client) fail(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
	_ = c.Close()
}

func (c *client) closeError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("connection lost: %w", c.readErr)
	}
	return errors.New("connection closed")
}

func (c *client) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}
