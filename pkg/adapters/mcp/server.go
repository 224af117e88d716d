// Package mcp exposes the agent engine as a Model Context Protocol server,
// so MCP-capable hosts can drive conversations as tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/toolserver"
)

// TurnResponse is the structured result of a run_turn call.
type TurnResponse struct {
	FinalMessage string            `json:"final_message" jsonschema_description:"The assistant's final message for this turn"`
	ToolsUsed    []string          `json:"tools_used,omitempty" jsonschema_description:"Names of the tools invoked during the turn"`
	Usage        domain.TokenUsage `json:"usage" jsonschema_description:"Token usage for this turn"`
	Err          string            `json:"error,omitempty" jsonschema_description:"Terminal error classification, empty on success"`
}

// StateResponse wraps a conversation's execution state.
type StateResponse struct {
	Key   domain.IsolationKey    `json:"key" jsonschema_description:"The conversation's isolation key"`
	State *domain.ExecutionState `json:"state" jsonschema_description:"The checkpointed conversation state"`
}

// Engine defines the agent surface the MCP server exposes.
type Engine interface {
	RunTurn(ctx context.Context, key domain.IsolationKey, message string) (*arbor.TurnResult, error)
	GetState(ctx context.Context, key domain.IsolationKey) (*domain.ExecutionState, error)
	DeleteConversation(ctx context.Context, key domain.IsolationKey) error
	ReloadBundle(ctx context.Context, id string) error
	ReloadServer(ctx context.Context, id string) error
	ServerStatuses() []toolserver.ServerStatus
	Bundles() []domain.CapabilityBundle
	Tools() []domain.ToolDescriptor
}

// Server wraps the engine and exposes it as an MCP Server.
type Server struct {
	engine    Engine
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine) *Server {
	s := &Server{
		engine:    engine,
		mcpServer: server.NewMCPServer("arbor-mcp", arbor.Version),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	// TOOL: run_turn
	turnTool := mcp.NewTool("run_turn",
		mcp.WithDescription("Execute one user turn against a conversation. Turns on the same conversation are serialized."),
		mcp.WithString("tenant", mcp.Required(), mcp.Description("Tenant identifier")),
		mcp.WithString("user", mcp.Required(), mcp.Description("User identifier")),
		mcp.WithString("conversation", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user message for this turn")),
		mcp.WithOutputSchema[TurnResponse](),
	)
	s.mcpServer.AddTool(turnTool, mcp.NewStructuredToolHandler(s.handleRunTurn))

	// TOOL: get_state
	stateTool := mcp.NewTool("get_state",
		mcp.WithDescription("Read the checkpointed state of a conversation without running a turn."),
		mcp.WithString("tenant", mcp.Required(), mcp.Description("Tenant identifier")),
		mcp.WithString("user", mcp.Required(), mcp.Description("User identifier")),
		mcp.WithString("conversation", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithOutputSchema[StateResponse](),
	)
	s.mcpServer.AddTool(stateTool, mcp.NewStructuredToolHandler(s.handleGetState))

	// TOOL: delete_conversation
	deleteTool := mcp.NewTool("delete_conversation",
		mcp.WithDescription("Delete a conversation's cached state and durable checkpoint."),
		mcp.WithString("tenant", mcp.Required(), mcp.Description("Tenant identifier")),
		mcp.WithString("user", mcp.Required(), mcp.Description("User identifier")),
		mcp.WithString("conversation", mcp.Required(), mcp.Description("Conversation identifier")),
	)
	s.mcpServer.AddTool(deleteTool, s.handleDelete)

	// TOOL: reload_bundle
	s.mcpServer.AddTool(mcp.NewTool("reload_bundle",
		mcp.WithDescription("Re-read a capability bundle from its source and swap it atomically."),
		mcp.WithString("bundle_id", mcp.Required(), mcp.Description("Bundle identifier")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := request.GetString("bundle_id", "")
		if err := s.engine.ReloadBundle(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reload failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("bundle %q reloaded", id)), nil
	})

	// TOOL: reload_server
	s.mcpServer.AddTool(mcp.NewTool("reload_server",
		mcp.WithDescription("Reconnect a tool server and re-run tool discovery."),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Tool server identifier")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := request.GetString("server_id", "")
		if err := s.engine.ReloadServer(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reload failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("server %q reloaded", id)), nil
	})

	// TOOL: server_status
	s.mcpServer.AddTool(mcp.NewTool("server_status",
		mcp.WithDescription("Report the connection status of every configured tool server."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jsonBytes, _ := json.Marshal(s.engine.ServerStatuses())
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})
}

func keyFromArgs(args map[string]interface{}) (domain.IsolationKey, error) {
	tenant, _ := args["tenant"].(string)
	user, _ := args["user"].(string)
	conversation, _ := args["conversation"].(string)

	key := domain.IsolationKey{Tenant: tenant, User: user, Conversation: conversation}
	if !key.Valid() {
		return domain.IsolationKey{}, fmt.Errorf("tenant, user and conversation are all required")
	}
	return key, nil
}

func (s *Server) handleRunTurn(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (TurnResponse, error) {
	key, err := keyFromArgs(args)
	if err != nil {
		return TurnResponse{}, err
	}
	message, _ := args["message"].(string)
	if message == "" {
		return TurnResponse{}, fmt.Errorf("a non-empty message is required")
	}

	result, err := s.engine.RunTurn(ctx, key, message)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("turn failed: %w", err)
	}
	return TurnResponse{
		FinalMessage: result.FinalMessage,
		ToolsUsed:    result.ToolsUsed,
		Usage:        result.Usage,
		Err:          result.Err,
	}, nil
}

func (s *Server) handleGetState(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (StateResponse, error) {
	key, err := keyFromArgs(args)
	if err != nil {
		return StateResponse{}, err
	}
	state, err := s.engine.GetState(ctx, key)
	if err != nil {
		return StateResponse{}, fmt.Errorf("state lookup failed: %w", err)
	}
	return StateResponse{Key: key, State: state}, nil
}

func (s *Server) handleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := keyFromArgs(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.DeleteConversation(ctx, key); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("conversation %s deleted", key.String())), nil
}

func (s *Server) registerResources() {
	// EXPOSE: arbor://bundles
	s.mcpServer.AddResource(mcp.NewResource("arbor://bundles", "Loaded Capability Bundles",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, _ := json.Marshal(s.engine.Bundles())
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "arbor://bundles",
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})

	// EXPOSE: arbor://tools
	s.mcpServer.AddResource(mcp.NewResource("arbor://tools", "Current Tool Catalog",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, _ := json.Marshal(s.engine.Tools())
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "arbor://tools",
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
