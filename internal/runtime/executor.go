package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/compaction"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
)

// Phase names the executor's states. A turn always moves forward through
// them; failures jump straight to done with LastError set.
type Phase string

const (
	PhaseClassifyIntent Phase = "classify_intent"
	PhaseSelectBundle   Phase = "select_bundle"
	PhaseExecuteTools   Phase = "execute_with_tools"
	PhaseFormatResult   Phase = "format_result"
	PhaseDone           Phase = "done"
)

// CheckpointPolicy controls checkpoint cadence.
type CheckpointPolicy string

const (
	// CheckpointPerStep saves after every tool loop iteration. A crashed
	// turn resumes from the last completed step.
	CheckpointPerStep CheckpointPolicy = "per_step"
	// CheckpointPerTurn saves once, after the turn completes.
	CheckpointPerTurn CheckpointPolicy = "per_turn"
)

const (
	defaultMaxToolIterations = 10

	defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the request."
)

// IntentClassifier derives a routing intent from the user message.
type IntentClassifier func(ctx context.Context, state *domain.ExecutionState, message string) (string, domain.TokenUsage, error)

// TurnRequest is one user turn against an acquired conversation state.
// Commit persists the state; the executor calls it according to the
// checkpoint policy and treats failures as non-fatal.
type TurnRequest struct {
	Key     domain.IsolationKey
	State   *domain.ExecutionState
	Message string
	Commit  func(ctx context.Context) (int64, error)
}

// TurnResult is the outcome of one turn. Err carries a terminal error label
// (max_steps_exceeded, deadline_exceeded, or a phase failure) when the turn
// did not complete normally.
type TurnResult struct {
	FinalMessage string             `json:"final_message"`
	ToolsUsed    []string           `json:"tools_used,omitempty"`
	Usage        domain.TokenUsage  `json:"usage"`
	Err          string             `json:"error,omitempty"`
}

// Executor drives the turn state machine: classify intent, select a
// capability bundle, run the bounded tool loop, format the result.
type Executor struct {
	model     ports.ModelClient
	registry  *registry.Registry
	bundles   *registry.BundleManager
	compactor *compaction.Compactor
	classify  IntentClassifier
	hooks     domain.LifecycleHooks
	logger    *slog.Logger

	maxToolIterations int
	policy            CheckpointPolicy
	systemPrompt      string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxToolIterations bounds the tool loop.
func WithMaxToolIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxToolIterations = n
		}
	}
}

// WithCheckpointPolicy selects per-step or per-turn checkpointing.
func WithCheckpointPolicy(p CheckpointPolicy) ExecutorOption {
	return func(e *Executor) {
		if p == CheckpointPerStep || p == CheckpointPerTurn {
			e.policy = p
		}
	}
}

// WithHooks installs lifecycle callbacks.
func WithHooks(hooks domain.LifecycleHooks) ExecutorOption {
	return func(e *Executor) { e.hooks = hooks }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCompactor sets the history compactor applied before model calls.
func WithCompactor(c *compaction.Compactor) ExecutorOption {
	return func(e *Executor) {
		if c != nil {
			e.compactor = c
		}
	}
}

// WithIntentClassifier replaces the intent classification strategy.
func WithIntentClassifier(fn IntentClassifier) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.classify = fn
		}
	}
}

// WithSystemPrompt sets the prompt used when no bundle is selected.
func WithSystemPrompt(prompt string) ExecutorOption {
	return func(e *Executor) {
		if prompt != "" {
			e.systemPrompt = prompt
		}
	}
}

// NewExecutor wires the turn state machine.
func NewExecutor(model ports.ModelClient, reg *registry.Registry, bundles *registry.BundleManager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		model:             model,
		registry:          reg,
		bundles:           bundles,
		compactor:         compaction.New(),
		logger:            slog.Default(),
		maxToolIterations: defaultMaxToolIterations,
		policy:            CheckpointPerStep,
		systemPrompt:      defaultSystemPrompt,
	}
	e.classify = e.classifyWithModel
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTurn executes one user turn. The returned error is reserved for
// programming mistakes (nil state); every runtime failure is reported
// through TurnResult.Err and the state's LastError so the conversation
// stays resumable.
func (e *Executor) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.State == nil {
		return nil, fmt.Errorf("turn request has no state")
	}
	state := req.State
	result := &TurnResult{}
	usageBefore := state.Usage

	state.AppendMessage(domain.Message{Role: domain.RoleUser, Content: req.Message})
	state.LastError = nil
	e.checkpointStep(ctx, req)

	// classify_intent
	e.enterPhase(ctx, req.Key, PhaseClassifyIntent)
	intent, usage, err := e.classify(ctx, state, req.Message)
	state.Usage.Add(usage)
	if err != nil {
		// Deterministic fallback keeps the turn alive on model failure.
		intent = keywordIntent(req.Message)
		e.logger.Warn("intent classification failed, using keyword fallback",
			"key", req.Key.String(), "err", err)
	}
	state.Intent = &intent
	state.RecordStep(string(PhaseClassifyIntent), nil, map[string]any{"intent": intent})
	e.leavePhase(ctx, req.Key, PhaseClassifyIntent)

	// select_bundle
	e.enterPhase(ctx, req.Key, PhaseSelectBundle)
	var allowed []string
	system := e.systemPrompt
	bundle, matched := e.bundles.Select(intent)
	if matched {
		id := bundle.ID
		state.CurrentBundle = &id
		state.BundleStatus = domain.BundleRunning
		allowed = bundle.AllowedTools
		if bundle.Instructions != "" {
			system = bundle.Instructions
		}
	} else {
		state.CurrentBundle = nil
		state.BundleStatus = ""
	}
	state.RecordStep(string(PhaseSelectBundle), nil, map[string]any{"matched": matched})
	e.leavePhase(ctx, req.Key, PhaseSelectBundle)
	e.checkpointStep(ctx, req)

	// execute_with_tools
	e.enterPhase(ctx, req.Key, PhaseExecuteTools)
	final, loopErr := e.toolLoop(ctx, req, system, allowed, result)
	e.leavePhase(ctx, req.Key, PhaseExecuteTools)
	if loopErr != "" {
		state.SetError(loopErr)
		if matched {
			state.BundleStatus = domain.BundleFailed
		}
		result.Err = loopErr
		result.Usage = diffUsage(usageBefore, state.Usage)
		e.checkpoint(ctx, req) // best effort, including per-turn policy
		e.enterPhase(ctx, req.Key, PhaseDone)
		return result, nil
	}

	// format_result
	e.enterPhase(ctx, req.Key, PhaseFormatResult)
	result.FinalMessage = final
	if matched {
		state.BundleStatus = domain.BundleCompleted
	}
	state.RecordStep(string(PhaseFormatResult), nil, nil)
	e.leavePhase(ctx, req.Key, PhaseFormatResult)

	result.Usage = diffUsage(usageBefore, state.Usage)
	e.checkpoint(ctx, req)
	e.enterPhase(ctx, req.Key, PhaseDone)
	return result, nil
}

// toolLoop runs the bounded model/tool exchange. It returns the final
// assistant message, or an error label when the loop terminated abnormally.
func (e *Executor) toolLoop(ctx context.Context, req TurnRequest, system string, allowed []string, result *TurnResult) (string, string) {
	state := req.State
	snap := e.registry.Snapshot()
	toolset := snap.Filter(allowed)

	for i := 0; i < e.maxToolIterations; i++ {
		if ctx.Err() != nil {
			return "", domain.ErrDeadline
		}

		resp, err := e.model.Complete(ctx, ports.ModelRequest{
			System:   system,
			Messages: e.compactor.Trim(state.Messages),
			Tools:    toolset,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", domain.ErrDeadline
			}
			return "", fmt.Sprintf("model call failed: %v", err)
		}
		state.Usage.Add(resp.Usage)

		if resp.Final() {
			state.AppendMessage(domain.Message{Role: domain.RoleAssistant, Content: resp.Content})
			return resp.Content, ""
		}

		if resp.Content != "" {
			state.AppendMessage(domain.Message{Role: domain.RoleAssistant, Content: resp.Content})
		}
		for _, call := range resp.ToolCalls {
			e.fireToolCall(ctx, req.Key, call)
			started := time.Now()
			res := e.registry.Invoke(ctx, snap, call, allowed)
			e.fireToolReturn(ctx, req.Key, call, time.Since(started), res.IsError)

			result.ToolsUsed = append(result.ToolsUsed, call.Name)
			state.AppendMessage(domain.Message{
				Role:       domain.RoleTool,
				Content:    renderResult(res),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
			state.RecordStep("tool:"+call.Name, call.Args,
				map[string]any{"is_error": res.IsError})
		}
		e.checkpointStep(ctx, req)
	}
	return "", domain.ErrMaxSteps
}

// classifyWithModel asks the model for a short routing label.
func (e *Executor) classifyWithModel(ctx context.Context, _ *domain.ExecutionState, message string) (string, domain.TokenUsage, error) {
	resp, err := e.model.Complete(ctx, ports.ModelRequest{
		System: "Classify the user's request into a short lowercase intent phrase. " +
			"Answer with the phrase only.",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: message}},
	})
	if err != nil {
		return "", domain.TokenUsage{}, err
	}
	intent := strings.ToLower(strings.TrimSpace(resp.Content))
	if intent == "" {
		return keywordIntent(message), resp.Usage, nil
	}
	return intent, resp.Usage, nil
}

// KeywordClassifier is the deterministic, model-free classification
// strategy: bundle matching runs against the lowercased message itself.
func KeywordClassifier() IntentClassifier {
	return func(_ context.Context, _ *domain.ExecutionState, message string) (string, domain.TokenUsage, error) {
		return keywordIntent(message), domain.TokenUsage{}, nil
	}
}

func keywordIntent(message string) string {
	return strings.ToLower(strings.TrimSpace(message))
}

// checkpointStep saves only under the per-step policy.
func (e *Executor) checkpointStep(ctx context.Context, req TurnRequest) {
	if e.policy == CheckpointPerStep {
		e.checkpoint(ctx, req)
	}
}

// checkpoint persists the state. Failures are logged and surfaced through
// the checkpoint hook; the in-memory state stays authoritative.
func (e *Executor) checkpoint(ctx context.Context, req TurnRequest) {
	if req.Commit == nil {
		return
	}
	// Saving rides on a detached context so a blown deadline still gets a
	// best-effort checkpoint.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	version, err := req.Commit(saveCtx)
	if e.hooks.OnCheckpoint != nil {
		e.hooks.OnCheckpoint(ctx, &domain.CheckpointEvent{
			EventBase: eventBase(domain.EventCheckpoint, req.Key),
			Version:   version,
			Failed:    err != nil,
		})
	}
	if err != nil {
		e.logger.Warn("checkpoint save failed, continuing with in-memory state",
			"key", req.Key.String(), "err", err)
	}
}

func (e *Executor) enterPhase(ctx context.Context, key domain.IsolationKey, phase Phase) {
	e.logger.Debug("phase enter", "key", key.String(), "phase", string(phase))
	if e.hooks.OnPhaseEnter != nil {
		e.hooks.OnPhaseEnter(ctx, &domain.PhaseEvent{
			EventBase: eventBase(domain.EventPhaseEnter, key),
			Phase:     string(phase),
		})
	}
}

func (e *Executor) leavePhase(ctx context.Context, key domain.IsolationKey, phase Phase) {
	if e.hooks.OnPhaseLeave != nil {
		e.hooks.OnPhaseLeave(ctx, &domain.PhaseEvent{
			EventBase: eventBase(domain.EventPhaseLeave, key),
			Phase:     string(phase),
		})
	}
}

func (e *Executor) fireToolCall(ctx context.Context, key domain.IsolationKey, call domain.ToolCall) {
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(ctx, &domain.ToolEvent{
			EventBase: eventBase(domain.EventToolCall, key),
			Phase:     string(PhaseExecuteTools),
			ToolName:  call.Name,
		})
	}
}

func (e *Executor) fireToolReturn(ctx context.Context, key domain.IsolationKey, call domain.ToolCall, d time.Duration, isErr bool) {
	if e.hooks.OnToolReturn != nil {
		e.hooks.OnToolReturn(ctx, &domain.ToolEvent{
			EventBase: eventBase(domain.EventToolReturn, key),
			Phase:     string(PhaseExecuteTools),
			ToolName:  call.Name,
			Duration:  d,
			IsError:   isErr,
		})
	}
}

func eventBase(t domain.EventType, key domain.IsolationKey) domain.EventBase {
	return domain.EventBase{Timestamp: time.Now().UTC(), Type: t, Key: key.String()}
}

// renderResult flattens a tool result into message content for the model.
func renderResult(res domain.ToolResult) string {
	if res.IsError {
		return "ERROR: " + res.Error
	}
	switch v := res.Result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func diffUsage(before, after domain.TokenUsage) domain.TokenUsage {
	return domain.TokenUsage{
		Prompt:     after.Prompt - before.Prompt,
		Completion: after.Completion - before.Completion,
		Total:      after.Total - before.Total,
	}
}
