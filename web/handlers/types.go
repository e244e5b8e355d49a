package handlers

import (
	"encoding/json"

	"github.com/scrypster/checkpoint/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateCheckpointRequest is the body of POST /api/checkpoints.
type CreateCheckpointRequest struct {
	Version     string                 `json:"version"`
	Description string                 `json:"description"`
	Config      types.CheckpointConfig `json:"config"`
}

// UpdateConfigRequest is the body of PUT /api/checkpoints/{version}/config.
// A nil Description leaves the description unchanged.
type UpdateConfigRequest struct {
	Description *string                `json:"description,omitempty"`
	Config      types.CheckpointConfig `json:"config"`
}

// CheckpointListResponse is the response of GET /api/checkpoints.
type CheckpointListResponse struct {
	Checkpoints []*types.Checkpoint `json:"checkpoints"`
	Active      string              `json:"active,omitempty"`
}

// IngestRequest is the body of POST /api/ingest. Messages is a JSON array of
// objects with a "text" field; other scalar fields become metadata.
type IngestRequest struct {
	CheckpointVersion string           `json:"checkpoint_version"`
	SourceType        types.SourceType `json:"source_type,omitempty"`
	ChunkSize         int              `json:"chunk_size,omitempty"`
	ChunkOverlap      int              `json:"chunk_overlap,omitempty"`
	Messages          json.RawMessage  `json:"messages"`
}

// HistoryResponse is the response of GET /api/history.
type HistoryResponse struct {
	Turns []*types.Turn `json:"turns"`
	Count int           `json:"count"`
}

// ClearHistoryResponse is the response of DELETE /api/history.
type ClearHistoryResponse struct {
	CheckpointVersion string `json:"checkpoint_version"`
	Deleted           int    `json:"deleted"`
}

// Event is pushed to every WebSocket client when checkpoints change or an
// ingestion finishes.
type Event struct {
	Type    string `json:"type"`
	Version string `json:"checkpoint_version,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Event types.
const (
	EventCheckpointCreated   = "checkpoint.created"
	EventCheckpointActivated = "checkpoint.activated"
	EventCheckpointDeleted   = "checkpoint.deleted"
	EventCheckpointUpdated   = "checkpoint.updated"
	EventIngestCompleted     = "ingest.completed"
	EventHistoryCleared      = "history.cleared"
)
