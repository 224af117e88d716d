package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/toolserver"
)

type fakeEngine struct {
	lastKey     domain.IsolationKey
	lastMessage string
	turnResult  *arbor.TurnResult
	turnErr     error
	state       *domain.ExecutionState
	stateErr    error
	deleted     bool
}

func (f *fakeEngine) RunTurn(_ context.Context, key domain.IsolationKey, message string) (*arbor.TurnResult, error) {
	f.lastKey, f.lastMessage = key, message
	return f.turnResult, f.turnErr
}

func (f *fakeEngine) GetState(_ context.Context, key domain.IsolationKey) (*domain.ExecutionState, error) {
	f.lastKey = key
	return f.state, f.stateErr
}

func (f *fakeEngine) DeleteConversation(_ context.Context, key domain.IsolationKey) error {
	f.lastKey = key
	f.deleted = true
	return nil
}

func (f *fakeEngine) ReloadBundle(_ context.Context, id string) error { return nil }
func (f *fakeEngine) ReloadServer(_ context.Context, id string) error { return nil }
func (f *fakeEngine) ServerStatuses() []toolserver.ServerStatus       { return nil }
func (f *fakeEngine) Bundles() []domain.CapabilityBundle              { return nil }
func (f *fakeEngine) Tools() []domain.ToolDescriptor                  { return nil }

func keyArgs() map[string]interface{} {
	return map[string]interface{}{
		"tenant":       "acme",
		"user":         "u1",
		"conversation": "c1",
	}
}

func TestHandleRunTurn(t *testing.T) {
	f := &fakeEngine{turnResult: &arbor.TurnResult{
		FinalMessage: "done",
		ToolsUsed:    []string{"read_file"},
		Usage:        domain.TokenUsage{Prompt: 3, Completion: 2, Total: 5},
	}}
	s := NewServer(f)

	args := keyArgs()
	args["message"] = "hello"
	resp, err := s.handleRunTurn(context.Background(), mcp.CallToolRequest{}, args)
	require.NoError(t, err)

	assert.Equal(t, "done", resp.FinalMessage)
	assert.Equal(t, []string{"read_file"}, resp.ToolsUsed)
	assert.Equal(t, 5, resp.Usage.Total)
	assert.Equal(t, domain.IsolationKey{Tenant: "acme", User: "u1", Conversation: "c1"}, f.lastKey)
	assert.Equal(t, "hello", f.lastMessage)
}

func TestHandleRunTurn_MissingKey(t *testing.T) {
	s := NewServer(&fakeEngine{})

	_, err := s.handleRunTurn(context.Background(), mcp.CallToolRequest{}, map[string]interface{}{
		"tenant":  "acme",
		"message": "hello",
	})
	assert.Error(t, err)
}

func TestHandleRunTurn_EmptyMessage(t *testing.T) {
	s := NewServer(&fakeEngine{})

	_, err := s.handleRunTurn(context.Background(), mcp.CallToolRequest{}, keyArgs())
	assert.Error(t, err)
}

func TestHandleGetState(t *testing.T) {
	state := domain.NewExecutionState()
	state.AppendMessage(domain.Message{Role: domain.RoleUser, Content: "hi"})
	s := NewServer(&fakeEngine{state: state})

	resp, err := s.handleGetState(context.Background(), mcp.CallToolRequest{}, keyArgs())
	require.NoError(t, err)
	require.NotNil(t, resp.State)
	require.Len(t, resp.State.Messages, 1)
	assert.Equal(t, "hi", resp.State.Messages[0].Content)
	assert.Equal(t, "acme", resp.Key.Tenant)
}

func TestHandleGetState_NotFound(t *testing.T) {
	s := NewServer(&fakeEngine{stateErr: domain.ErrCheckpointNotFound})

	_, err := s.handleGetState(context.Background(), mcp.CallToolRequest{}, keyArgs())
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}
