// Package mcp serves checkpoints to Model Context Protocol clients as
// JSON-RPC 2.0 tools over stdio.
package mcp

import (
	"github.com/scrypster/checkpoint/pkg/types"
)

// ChatArgs contains arguments for the chat tool.
type ChatArgs struct {
	Message string `json:"message"`            // User message (required)
	Version string `json:"checkpoint_version"` // Checkpoint; empty means active
}

// RegenerateArgs contains arguments for the regenerate tool.
type RegenerateArgs struct {
	Version     string   `json:"checkpoint_version"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CheckpointArgs names one checkpoint. An empty version means the active
// one where the tool allows it.
type CheckpointArgs struct {
	Version string `json:"checkpoint_version"`
}

// HistoryArgs contains arguments for the get_history tool.
type HistoryArgs struct {
	Version string `json:"checkpoint_version"`
	Limit   int    `json:"limit,omitempty"` // 0 means the server default
}

// ListCheckpointsResult contains every checkpoint in version order.
type ListCheckpointsResult struct {
	Checkpoints []*types.Checkpoint `json:"checkpoints"`
	Active      string              `json:"active,omitempty"`
}

// HistoryResult contains the most recent turns in chronological order.
type HistoryResult struct {
	CheckpointVersion string        `json:"checkpoint_version"`
	Turns             []*types.Turn `json:"turns"`
	Count             int           `json:"count"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"` // string, number, or null
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via tools/list.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request. Tool failures
// are reported with IsError rather than as JSON-RPC errors.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
