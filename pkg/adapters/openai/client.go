package openai

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

const defaultModel = openai.GPT4o

// ChatClient is the slice of the OpenAI SDK the adapter needs; tests
// substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client adapts the OpenAI chat completions API to ports.ModelClient.
type Client struct {
	api   ChatClient
	model string
}

// ClientOption configures the adapter.
type ClientOption func(*Client)

// WithModel overrides the completion model.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithChatClient replaces the underlying SDK client.
func WithChatClient(api ChatClient) ClientOption {
	return func(c *Client) {
		if api != nil {
			c.api = api
		}
	}
}

// New creates a client authenticated with apiKey.
func New(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		api:   openai.NewClient(apiKey),
		model: defaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete satisfies ports.ModelClient.
func (c *Client) Complete(ctx context.Context, req ports.ModelRequest) (ports.ModelResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: encodeMessages(req.System, req.Messages),
		Tools:    encodeTools(req.Tools),
	})
	if err != nil {
		return ports.ModelResponse{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ports.ModelResponse{}, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	out := ports.ModelResponse{
		Content: choice.Content,
		Usage: domain.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		call := domain.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Args); err != nil {
				return ports.ModelResponse{}, fmt.Errorf("malformed tool arguments for %s: %w", call.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

// encodeMessages maps the history to the wire format. The API requires each
// tool message to answer a tool call on a preceding assistant message, so a
// call stub is reconstructed for every run of tool results.
func encodeMessages(system string, messages []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+2)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := 0; i < len(messages); i++ {
		m := messages[i]
		switch m.Role {
		case domain.RoleTool:
			// Collect the whole run of consecutive tool results.
			j := i
			for j < len(messages) && messages[j].Role == domain.RoleTool {
				j++
			}
			run := messages[i:j]

			stub := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, t := range run {
				stub.ToolCalls = append(stub.ToolCalls, openai.ToolCall{
					ID:   t.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      t.ToolName,
						Arguments: "{}",
					},
				})
			}
			out = append(out, stub)
			for _, t := range run {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    t.Content,
					ToolCallID: t.ToolCallID,
					Name:       t.ToolName,
				})
			}
			i = j - 1
		case domain.RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return out
}

func encodeTools(tools []domain.ToolDescriptor) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
