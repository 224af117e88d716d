package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestComplete_FinalAnswer(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: "hello there"},
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	c := New("test-key", WithChatClient(fake), WithModel("gpt-4o-mini"))

	resp, err := c.Complete(context.Background(), ports.ModelRequest{
		System:   "be brief",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Content)
	assert.True(t, resp.Final())
	assert.Equal(t, domain.TokenUsage{Prompt: 10, Completion: 5, Total: 15}, resp.Usage)

	assert.Equal(t, "gpt-4o-mini", fake.req.Model)
	require.Len(t, fake.req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, fake.req.Messages[0].Role)
	assert.Equal(t, "be brief", fake.req.Messages[0].Content)
}

func TestComplete_ToolCalls(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ToolCall{{
					ID:   "call_1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "read_file",
						Arguments: `{"path":"main.go"}`,
					},
				}},
			},
		}},
	}}
	c := New("test-key", WithChatClient(fake))

	resp, err := c.Complete(context.Background(), ports.ModelRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "review main.go"}},
		Tools: []domain.ToolDescriptor{{
			Name:        "read_file",
			Description: "Read a file",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.False(t, resp.Final())
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, resp.ToolCalls[0].Args)

	require.Len(t, fake.req.Tools, 1)
	assert.Equal(t, "read_file", fake.req.Tools[0].Function.Name)
}

func TestComplete_ToolResultHistoryGetsCallStub(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: "done"},
		}},
	}}
	c := New("test-key", WithChatClient(fake))

	_, err := c.Complete(context.Background(), ports.ModelRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "review"},
			{Role: domain.RoleTool, Content: "file contents", ToolCallID: "call_1", ToolName: "read_file"},
			{Role: domain.RoleTool, Content: "listing", ToolCallID: "call_2", ToolName: "list_directory"},
			{Role: domain.RoleAssistant, Content: "looks fine"},
		},
	})
	require.NoError(t, err)

	msgs := fake.req.Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[0].Role)

	// The assistant stub precedes the run of tool results and answers both.
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 2)
	assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "call_2", msgs[1].ToolCalls[1].ID)

	assert.Equal(t, openai.ChatMessageRoleTool, msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[4].Role)
}

func TestComplete_Errors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		c := New("k", WithChatClient(&fakeChat{err: errors.New("rate limited")}))
		_, err := c.Complete(context.Background(), ports.ModelRequest{})
		assert.ErrorContains(t, err, "rate limited")
	})

	t.Run("no choices", func(t *testing.T) {
		c := New("k", WithChatClient(&fakeChat{}))
		_, err := c.Complete(context.Background(), ports.ModelRequest{})
		assert.ErrorContains(t, err, "no choices")
	})

	t.Run("malformed tool args", func(t *testing.T) {
		c := New("k", WithChatClient(&fakeChat{resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					ToolCalls: []openai.ToolCall{{
						ID:       "x",
						Function: openai.FunctionCall{Name: "t", Arguments: "{not json"},
					}},
				},
			}},
		}}))
		_, err := c.Complete(context.Background(), ports.ModelRequest{})
		assert.ErrorContains(t, err, "malformed tool arguments")
	})
}
