package domain

import "time"

// Role identifies the author of a message in the conversation history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BundleStatus tracks the execution lifecycle of the selected capability bundle.
type BundleStatus string

const (
	BundlePending   BundleStatus = "pending"
	BundleRunning   BundleStatus = "running"
	BundleCompleted BundleStatus = "completed"
	BundleFailed    BundleStatus = "failed"
)

// Message is one entry in the conversation history.
// Tool results carry the ID of the call they answer so the model can
// correlate them.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// StepRecord captures one intermediate step of a turn for auditing and resume.
type StepRecord struct {
	Name      string         `json:"name"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TokenUsage accumulates model token counters across the conversation.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// ExecutionState is the evolving record for one conversation.
//
// Messages is append-only and never reordered; StepCount only increases
// within one execution. The checkpoint versioning relies on both: a newer
// version always contains at least as many messages as the one before it.
type ExecutionState struct {
	Messages      []Message      `json:"messages"`
	Intent        *string        `json:"intent,omitempty"`
	CurrentBundle *string        `json:"current_bundle,omitempty"`
	BundleStatus  BundleStatus   `json:"bundle_status,omitempty"`
	Steps         []StepRecord   `json:"steps,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	StepCount     int            `json:"step_count"`
	Usage         TokenUsage     `json:"token_usage"`
}

// NewExecutionState creates an empty state ready for the first turn.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{
		Metadata: make(map[string]any),
	}
}

// AppendMessage adds a message to the history.
func (s *ExecutionState) AppendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// RecordStep appends an intermediate step and bumps the step counter.
func (s *ExecutionState) RecordStep(name string, inputs, outputs map[string]any) {
	s.Steps = append(s.Steps, StepRecord{
		Name:      name,
		Inputs:    inputs,
		Outputs:   outputs,
		Timestamp: time.Now().UTC(),
	})
	s.StepCount++
}

// SetError overwrites the last error. Errors are not accumulated; only the
// most recent one is surfaced.
func (s *ExecutionState) SetError(msg string) {
	s.LastError = &msg
}

// Clone returns a deep copy so a cached state cannot be mutated through a
// handle the caller retained.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Steps = append([]StepRecord(nil), s.Steps...)
	if s.Intent != nil {
		v := *s.Intent
		out.Intent = &v
	}
	if s.CurrentBundle != nil {
		v := *s.CurrentBundle
		out.CurrentBundle = &v
	}
	if s.LastError != nil {
		v := *s.LastError
		out.LastError = &v
	}
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
