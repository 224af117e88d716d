package domain

import "context"

// ToolOrigin identifies where a tool executes.
type ToolOrigin string

const (
	OriginBuiltin ToolOrigin = "builtin"
	OriginBundle  ToolOrigin = "bundle"
	OriginServer  ToolOrigin = "server"
)

// ToolHandler is the signature for in-process tool implementations.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolDescriptor is one catalog entry in a registry snapshot.
//
// Dispatch is a closed variant: either Handler is set (builtin and bundle
// script tools, executed in-process) or ServerID is set (delegated to the
// tool server pool). Exactly one of the two is populated.
type ToolDescriptor struct {
	Name        string         `json:"name" mapstructure:"name"`
	Description string         `json:"description" mapstructure:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty" mapstructure:"input_schema"`
	Origin      ToolOrigin     `json:"origin"`
	BundleID    string         `json:"bundle_id,omitempty"`
	ServerID    string         `json:"server_id,omitempty"`

	Handler ToolHandler `json:"-"`
}

// ToolCall is a model-requested invocation of one tool.
type ToolCall struct {
	ID   string         `json:"id" mapstructure:"id"`
	Name string         `json:"name" mapstructure:"name"`
	Args map[string]any `json:"args,omitempty" mapstructure:"args"`
}

// ToolResult is the outcome of one tool call, successful or not.
// Errors are data here: they travel back to the model as tool-result
// messages instead of aborting the turn.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Result  any    `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
}
