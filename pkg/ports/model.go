package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// ModelRequest carries one chat completion invocation.
type ModelRequest struct {
	// System is the instruction prompt prepended to the conversation.
	// Bundle instruction bodies land here.
	System string

	// Messages is the ordered conversation history.
	Messages []domain.Message

	// Tools are the descriptors the model may bind. Empty means the model
	// must answer directly.
	Tools []domain.ToolDescriptor
}

// ModelResponse is either a final answer (no tool calls) or a list of
// requested tool calls to dispatch before re-invoking the model.
type ModelResponse struct {
	Content   string
	ToolCalls []domain.ToolCall
	Usage     domain.TokenUsage
}

// Final reports whether the response terminates the tool loop.
func (r ModelResponse) Final() bool {
	return len(r.ToolCalls) == 0
}

// ModelClient is the opaque language-model capability. Given messages and a
// tool set it returns either a final answer or requested tool calls.
// Implementations must be safe for concurrent use.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (ModelResponse, error)
}
