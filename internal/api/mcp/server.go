package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/pkg/types"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// chatEngine is the subset of engine.Engine used by the MCP server.
type chatEngine interface {
	Chat(ctx context.Context, req engine.ChatRequest) (*engine.ChatResponse, error)
	Regenerate(ctx context.Context, req engine.RegenerateRequest) (*engine.ChatResponse, error)
	History(ctx context.Context, version string, limit int) ([]*types.Turn, error)
	Stats(ctx context.Context, version string) (*types.Stats, error)
}

// checkpointManager is the subset of checkpoint.Manager used by the MCP
// server.
type checkpointManager interface {
	List(ctx context.Context) ([]*types.Checkpoint, error)
	Resolve(ctx context.Context, version string) (*types.Checkpoint, error)
	Activate(ctx context.Context, version string) (*types.Checkpoint, error)
}

// Server implements the Model Context Protocol over the chat engine and the
// checkpoint manager.
type Server struct {
	manager checkpointManager
	engine  chatEngine
	logger  *slog.Logger
	version string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the logger. The transport owns stdout, so the logger
// must write elsewhere.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported in serverInfo.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a new MCP server instance.
func NewServer(manager checkpointManager, eng chatEngine, opts ...ServerOption) *Server {
	s := &Server{
		manager: manager,
		engine:  eng,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// A nil response means the request was a notification and needs no reply.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}
	if isNotification(requestJSON) {
		s.logger.Debug("mcp notification", "method", req.Method)
		return nil, nil
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = s.initialize()
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: s.buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

// isNotification reports whether the message has no id member. A request
// with "id": null is still a request.
func isNotification(requestJSON []byte) bool {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(requestJSON, &envelope); err != nil {
		return false
	}
	return envelope.ID == nil
}

func (s *Server) initialize() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "checkpoint",
			Version: s.version,
		},
	}
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	var result interface{}
	var err error

	switch p.Name {
	case "chat":
		var args ChatArgs
		if err = s.unmarshalParams(p.Arguments, &args); err == nil {
			result, err = s.Chat(ctx, args)
		}
	case "regenerate":
		var args RegenerateArgs
		if err = s.unmarshalParams(p.Arguments, &args); err == nil {
			result, err = s.engine.Regenerate(ctx, engine.RegenerateRequest{Version: args.Version, Temperature: args.Temperature})
		}
	case "list_checkpoints":
		result, err = s.ListCheckpoints(ctx)
	case "get_checkpoint":
		var args CheckpointArgs
		if err = s.unmarshalParams(p.Arguments, &args); err == nil {
			result, err = s.manager.Resolve(ctx, args.Version)
		}
	case "activate_checkpoint":
		var args CheckpointArgs
		if err = s.unmarshalParams(p.Arguments, &args); err == nil {
			result, err = s.ActivateCheckpoint(ctx, args)
		}
	case "get_history":
		var args HistoryArgs
		if err = s.unmarshalParams(p.Arguments, &args); err == nil {
			result, err = s.History(ctx, args)
		}
	case "get_stats":
		var args CheckpointArgs
		if err = s.unmarshalParams(p.Arguments, &args); err == nil {
			result, err = s.engine.Stats(ctx, args.Version)
		}
	default:
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}

	if err != nil {
		level := slog.LevelDebug
		if errors.Is(err, types.ErrExternalService) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "tool call failed", "tool", p.Name, "error", err)
		return toolError(err.Error()), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// Chat sends one message to a checkpoint.
func (s *Server) Chat(ctx context.Context, args ChatArgs) (*engine.ChatResponse, error) {
	if args.Message == "" {
		return nil, fmt.Errorf("%w: message is required", types.ErrInvalidConfiguration)
	}
	return s.engine.Chat(ctx, engine.ChatRequest{Message: args.Message, Version: args.Version})
}

// ListCheckpoints returns every checkpoint and the active version.
func (s *Server) ListCheckpoints(ctx context.Context) (*ListCheckpointsResult, error) {
	list, err := s.manager.List(ctx)
	if err != nil {
		return nil, err
	}
	result := &ListCheckpointsResult{Checkpoints: list}
	for _, cp := range list {
		if cp.IsActive {
			result.Active = cp.Version
		}
	}
	return result, nil
}

// ActivateCheckpoint makes a checkpoint the default for chat.
func (s *Server) ActivateCheckpoint(ctx context.Context, args CheckpointArgs) (*types.Checkpoint, error) {
	if args.Version == "" {
		return nil, fmt.Errorf("%w: checkpoint_version is required", types.ErrInvalidConfiguration)
	}
	return s.manager.Activate(ctx, args.Version)
}

// History returns recent turns of a checkpoint.
func (s *Server) History(ctx context.Context, args HistoryArgs) (*HistoryResult, error) {
	cp, err := s.manager.Resolve(ctx, args.Version)
	if err != nil {
		return nil, err
	}
	turns, err := s.engine.History(ctx, cp.Version, args.Limit)
	if err != nil {
		return nil, err
	}
	return &HistoryResult{CheckpointVersion: cp.Version, Turns: turns, Count: len(turns)}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

// buildToolsList returns the tool definitions.
func (s *Server) buildToolsList() []MCPTool {
	version := map[string]interface{}{"type": "string", "description": "Checkpoint version; omit for the active checkpoint"}
	return []MCPTool{
		{
			Name:        "chat",
			Description: "Send a message to a checkpoint and get a reply in its author's voice, with the passages it was grounded on.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"message"},
				"properties": map[string]interface{}{
					"message":            map[string]interface{}{"type": "string", "description": "The message to send (required)"},
					"checkpoint_version": version,
				},
			},
		},
		{
			Name:        "regenerate",
			Description: "Generate a new reply to the latest message of a checkpoint's conversation. Earlier replies are kept.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"checkpoint_version": version,
					"temperature":        map[string]interface{}{"type": "number", "description": "Temperature for this reply only (0 to 2)"},
				},
			},
		},
		{
			Name:        "list_checkpoints",
			Description: "List every checkpoint in version order and name the active one.",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "get_checkpoint",
			Description: "Get one checkpoint with its configuration.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"checkpoint_version": version},
			},
		},
		{
			Name:        "activate_checkpoint",
			Description: "Make a checkpoint the default for chat.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"checkpoint_version"},
				"properties": map[string]interface{}{
					"checkpoint_version": map[string]interface{}{"type": "string", "description": "Checkpoint version (required)"},
				},
			},
		},
		{
			Name:        "get_history",
			Description: "Get the most recent conversation turns of a checkpoint, oldest first.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"checkpoint_version": version,
					"limit":              map[string]interface{}{"type": "integer", "description": "Turns to return (default 50)"},
				},
			},
		},
		{
			Name:        "get_stats",
			Description: "Count a checkpoint's documents, vectors, messages and conversations.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"checkpoint_version": version},
			},
		},
	}
}

// unmarshalParams converts the generic params into a typed struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
