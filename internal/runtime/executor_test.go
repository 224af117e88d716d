package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
)

// scriptedModel replays canned responses in order. Once the script is
// exhausted it keeps answering with a final message.
type scriptedModel struct {
	mu        sync.Mutex
	script    []ports.ModelResponse
	err       error
	blockCtx  bool
	requests  []ports.ModelRequest
}

func (m *scriptedModel) Complete(ctx context.Context, req ports.ModelRequest) (ports.ModelResponse, error) {
	if m.blockCtx {
		<-ctx.Done()
		return ports.ModelResponse{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return ports.ModelResponse{}, m.err
	}
	if len(m.script) == 0 {
		return ports.ModelResponse{Content: "done", Usage: domain.TokenUsage{Prompt: 1, Completion: 1, Total: 2}}, nil
	}
	resp := m.script[0]
	m.script = m.script[1:]
	return resp, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) ports.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func toolCallResp(name string, args map[string]any) ports.ModelResponse {
	return ports.ModelResponse{
		ToolCalls: []domain.ToolCall{{ID: "c1", Name: name, Args: args}},
		Usage:     domain.TokenUsage{Prompt: 2, Completion: 2, Total: 4},
	}
}

func finalResp(content string) ports.ModelResponse {
	return ports.ModelResponse{Content: content, Usage: domain.TokenUsage{Prompt: 1, Completion: 1, Total: 2}}
}

func testKey() domain.IsolationKey {
	return domain.IsolationKey{Tenant: "acme", User: "u1", Conversation: "c1"}
}

// testHarness wires a registry with a read_file builtin, a delete_file
// builtin, and a code_review bundle allowing only read-side tools.
type testHarness struct {
	registry *registry.Registry
	bundles  *registry.BundleManager

	mu          sync.Mutex
	invocations []string
}

func newHarness(t *testing.T) *testHarness {
	h := &testHarness{registry: registry.New(nil)}
	record := func(name string) domain.ToolHandler {
		return func(ctx context.Context, args map[string]any) (any, error) {
			h.mu.Lock()
			h.invocations = append(h.invocations, name)
			h.mu.Unlock()
			return name + " ok", nil
		}
	}
	h.registry.RegisterBuiltins(
		domain.ToolDescriptor{Name: "read_file", Origin: domain.OriginBuiltin, Handler: record("read_file")},
		domain.ToolDescriptor{Name: "delete_file", Origin: domain.OriginBuiltin, Handler: record("delete_file")},
	)
	h.bundles = registry.NewBundleManager(h.registry, nil)
	require.NoError(t, h.bundles.Register(domain.CapabilityBundle{
		ID:           "code_review",
		Description:  "review source code for defects",
		AllowedTools: []string{"read_file", "list_directory"},
		Instructions: "You are a meticulous code reviewer.",
	}))
	return h
}

func (h *testHarness) invoked() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.invocations))
	copy(out, h.invocations)
	return out
}

func newExecutor(h *testHarness, model ports.ModelClient, opts ...ExecutorOption) *Executor {
	base := []ExecutorOption{
		WithLogger(logging.NewNop()),
		WithIntentClassifier(KeywordClassifier()),
	}
	return NewExecutor(model, h.registry, h.bundles, append(base, opts...)...)
}

func TestRunTurn_BundleSelectionAndToolUse(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{
		toolCallResp("read_file", map[string]any{"path": "main.go"}),
		finalResp("the code looks fine"),
	}}
	exec := newExecutor(h, model)

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "Please do a code_review of main.go",
	})
	require.NoError(t, err)

	assert.Equal(t, "the code looks fine", result.FinalMessage)
	assert.Equal(t, []string{"read_file"}, result.ToolsUsed)
	assert.Empty(t, result.Err)

	require.NotNil(t, state.CurrentBundle)
	assert.Equal(t, "code_review", *state.CurrentBundle)
	assert.Equal(t, domain.BundleCompleted, state.BundleStatus)
	require.NotNil(t, state.Intent)

	// Bundle instructions drive the system prompt, and only allowed tools
	// are offered to the model.
	req := model.request(0)
	assert.Equal(t, "You are a meticulous code reviewer.", req.System)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "read_file", req.Tools[0].Name)

	// History: user, tool result, final assistant message.
	require.Len(t, state.Messages, 3)
	assert.Equal(t, domain.RoleUser, state.Messages[0].Role)
	assert.Equal(t, domain.RoleTool, state.Messages[1].Role)
	assert.Equal(t, "read_file ok", state.Messages[1].Content)
	assert.Equal(t, domain.RoleAssistant, state.Messages[2].Role)
}

func TestRunTurn_PermissionDeniedTravelsToModel(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{
		toolCallResp("delete_file", map[string]any{"path": "main.go"}),
		finalResp("I cannot delete files in review mode"),
	}}
	exec := newExecutor(h, model)

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "code_review: please delete main.go",
	})
	require.NoError(t, err)

	assert.Equal(t, "I cannot delete files in review mode", result.FinalMessage)
	assert.Empty(t, result.Err, "a denied tool never aborts the turn")
	assert.Empty(t, h.invoked(), "the denied handler must not run")

	// The denial reached the model as tool-result data.
	assert.Contains(t, state.Messages[1].Content, string(domain.ToolErrPermissionDenied))
}

func TestRunTurn_MaxStepsExceeded(t *testing.T) {
	h := newHarness(t)
	// The model never stops asking for tools.
	script := make([]ports.ModelResponse, 0, 8)
	for i := 0; i < 8; i++ {
		script = append(script, toolCallResp("read_file", nil))
	}
	model := &scriptedModel{script: script}
	exec := newExecutor(h, model, WithMaxToolIterations(5))

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "code_review everything forever",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ErrMaxSteps, result.Err)
	assert.Empty(t, result.FinalMessage)
	assert.Equal(t, 5, model.calls())
	require.NotNil(t, state.LastError)
	assert.Equal(t, domain.ErrMaxSteps, *state.LastError)
	assert.Equal(t, domain.BundleFailed, state.BundleStatus)
}

func TestRunTurn_SaveFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{finalResp("all good")}}

	var checkpointEvents []*domain.CheckpointEvent
	exec := newExecutor(h, model, WithHooks(domain.LifecycleHooks{
		OnCheckpoint: func(_ context.Context, ev *domain.CheckpointEvent) {
			checkpointEvents = append(checkpointEvents, ev)
		},
	}))

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "hello",
		Commit: func(ctx context.Context) (int64, error) {
			return 0, errors.New("store is down")
		},
	})
	require.NoError(t, err)

	// The turn completes and the in-memory state is authoritative.
	assert.Equal(t, "all good", result.FinalMessage)
	assert.Empty(t, result.Err)
	assert.Equal(t, domain.RoleAssistant, state.Messages[len(state.Messages)-1].Role)

	require.NotEmpty(t, checkpointEvents)
	for _, ev := range checkpointEvents {
		assert.True(t, ev.Failed)
	}
}

func TestRunTurn_NoBundleMatchRunsUnrestricted(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{finalResp("a poem")}}
	exec := newExecutor(h, model)

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "write me a poem",
	})
	require.NoError(t, err)

	assert.Equal(t, "a poem", result.FinalMessage)
	assert.Nil(t, state.CurrentBundle)

	// Without a bundle the full catalog is offered.
	req := model.request(0)
	assert.Len(t, req.Tools, 2)
	assert.NotEmpty(t, req.System)
}

func TestRunTurn_EmptyIntersectionOffersNoTools(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bundles.Register(domain.CapabilityBundle{
		ID:           "data_analysis",
		Description:  "analyze tabular data",
		AllowedTools: []string{"pandas_eval", "plot_chart"},
	}))
	model := &scriptedModel{script: []ports.ModelResponse{finalResp("here is the analysis")}}
	exec := newExecutor(h, model)

	state := domain.NewExecutionState()
	_, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "run a data_analysis on sales.csv",
	})
	require.NoError(t, err)

	// None of the allowed tools exist in the registry: the model must
	// answer directly.
	req := model.request(0)
	assert.Empty(t, req.Tools)
}

func TestRunTurn_DeadlineExceeded(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{blockCtx: true}
	exec := newExecutor(h, model)

	var committed int
	state := domain.NewExecutionState()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := exec.RunTurn(ctx, TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "hello",
		Commit: func(ctx context.Context) (int64, error) {
			committed++
			return int64(committed), nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ErrDeadline, result.Err)
	require.NotNil(t, state.LastError)
	assert.Equal(t, domain.ErrDeadline, *state.LastError)
	assert.Greater(t, committed, 0, "deadline expiry still gets a best-effort checkpoint")
}

func TestRunTurn_ModelFailureLandsInDone(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{err: errors.New("upstream 500")}
	exec := newExecutor(h, model)

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "hello",
	})
	require.NoError(t, err)

	assert.Contains(t, result.Err, "model call failed")
	require.NotNil(t, state.LastError)
	assert.Contains(t, *state.LastError, "upstream 500")
}

func TestRunTurn_PhaseHooksFireInOrder(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{
		toolCallResp("read_file", nil),
		finalResp("ok"),
	}}

	var mu sync.Mutex
	var entered []string
	exec := newExecutor(h, model, WithHooks(domain.LifecycleHooks{
		OnPhaseEnter: func(_ context.Context, ev *domain.PhaseEvent) {
			mu.Lock()
			entered = append(entered, ev.Phase)
			mu.Unlock()
		},
	}))

	_, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   domain.NewExecutionState(),
		Message: "code_review main.go",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		string(PhaseClassifyIntent),
		string(PhaseSelectBundle),
		string(PhaseExecuteTools),
		string(PhaseFormatResult),
		string(PhaseDone),
	}, entered)
}

func TestRunTurn_UsageIsPerTurn(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{
		toolCallResp("read_file", nil),
		finalResp("ok"),
	}}
	exec := newExecutor(h, model)

	state := domain.NewExecutionState()
	state.Usage = domain.TokenUsage{Prompt: 100, Completion: 100, Total: 200}

	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "code_review main.go",
	})
	require.NoError(t, err)

	// 4 + 2 tokens from the two scripted responses.
	assert.Equal(t, domain.TokenUsage{Prompt: 3, Completion: 3, Total: 6}, result.Usage)
	assert.Equal(t, domain.TokenUsage{Prompt: 103, Completion: 103, Total: 206}, state.Usage)
}

func TestRunTurn_PerTurnCheckpointPolicy(t *testing.T) {
	h := newHarness(t)
	model := &scriptedModel{script: []ports.ModelResponse{
		toolCallResp("read_file", nil),
		finalResp("ok"),
	}}
	exec := newExecutor(h, model, WithCheckpointPolicy(CheckpointPerTurn))

	var commits int
	_, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   domain.NewExecutionState(),
		Message: "code_review main.go",
		Commit: func(ctx context.Context) (int64, error) {
			commits++
			return int64(commits), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, commits)
}

func TestRunTurn_ModelClassifierFallsBackOnError(t *testing.T) {
	h := newHarness(t)
	// First call (classification) fails; the executor falls back to the
	// keyword intent, and the scripted responses then drive the turn.
	calls := 0
	flaky := modelFunc(func(ctx context.Context, req ports.ModelRequest) (ports.ModelResponse, error) {
		calls++
		if calls == 1 {
			return ports.ModelResponse{}, errors.New("classification backend down")
		}
		return finalResp("reviewed"), nil
	})
	exec := NewExecutor(flaky, h.registry, h.bundles, WithLogger(logging.NewNop()))

	state := domain.NewExecutionState()
	result, err := exec.RunTurn(context.Background(), TurnRequest{
		Key:     testKey(),
		State:   state,
		Message: "code_review main.go",
	})
	require.NoError(t, err)

	assert.Equal(t, "reviewed", result.FinalMessage)
	require.NotNil(t, state.Intent)
	assert.Equal(t, "code_review main.go", *state.Intent)
	require.NotNil(t, state.CurrentBundle)
	assert.Equal(t, "code_review", *state.CurrentBundle)
}

type modelFunc func(ctx context.Context, req ports.ModelRequest) (ports.ModelResponse, error)

func (f modelFunc) Complete(ctx context.Context, req ports.ModelRequest) (ports.ModelResponse, error) {
	return f(ctx, req)
}
