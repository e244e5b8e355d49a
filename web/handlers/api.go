// Package handlers provides the HTTP and WebSocket API of the checkpoint
// server.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/scrypster/checkpoint/internal/checkpoint"
	"github.com/scrypster/checkpoint/internal/chunker"
	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/internal/ingest"
	"github.com/scrypster/checkpoint/internal/logging"
	"github.com/scrypster/checkpoint/pkg/types"
)

// maxBodyBytes bounds request bodies; ingestion payloads are the largest.
const maxBodyBytes = 32 << 20

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	manager  *checkpoint.Manager
	engine   *engine.Engine
	pipeline *ingest.Pipeline
	chunk    chunker.Config
	hub      *WebSocketHub
	logger   *slog.Logger
}

// NewAPIHandlers creates the API. hub may be nil when no WebSocket clients
// are served; chunk is the default chunking for POST /api/ingest.
func NewAPIHandlers(manager *checkpoint.Manager, eng *engine.Engine, pipeline *ingest.Pipeline, chunk chunker.Config, hub *WebSocketHub, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if chunk == (chunker.Config{}) {
		chunk = chunker.DefaultConfig()
	}
	return &APIHandlers{
		manager:  manager,
		engine:   eng,
		pipeline: pipeline,
		chunk:    chunk,
		hub:      hub,
		logger:   logger,
	}
}

// Register adds every API route to mux.
func (h *APIHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.Chat)
	mux.HandleFunc("POST /api/chat/regenerate", h.Regenerate)

	mux.HandleFunc("GET /api/checkpoints", h.ListCheckpoints)
	mux.HandleFunc("POST /api/checkpoints", h.CreateCheckpoint)
	mux.HandleFunc("GET /api/checkpoints/active", h.ActiveCheckpoint)
	mux.HandleFunc("GET /api/checkpoints/{version}", h.GetCheckpoint)
	mux.HandleFunc("DELETE /api/checkpoints/{version}", h.DeleteCheckpoint)
	mux.HandleFunc("POST /api/checkpoints/{version}/activate", h.ActivateCheckpoint)
	mux.HandleFunc("PUT /api/checkpoints/{version}/config", h.UpdateCheckpointConfig)

	mux.HandleFunc("GET /api/history", h.History)
	mux.HandleFunc("DELETE /api/history", h.ClearHistory)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("POST /api/ingest", h.Ingest)

	mux.HandleFunc("GET /health", h.Health)

	if h.hub != nil {
		mux.Handle("GET /api/ws", h.hub)
	}
}

// Health handles GET /health.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Chat handles POST /api/chat.
func (h *APIHandlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req engine.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.engine.Chat(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Regenerate handles POST /api/chat/regenerate. An empty body regenerates
// against the active checkpoint.
func (h *APIHandlers) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req engine.RegenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.engine.Regenerate(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListCheckpoints handles GET /api/checkpoints.
func (h *APIHandlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := h.manager.List(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := CheckpointListResponse{Checkpoints: list}
	if resp.Checkpoints == nil {
		resp.Checkpoints = []*types.Checkpoint{}
	}
	for _, cp := range list {
		if cp.IsActive {
			resp.Active = cp.Version
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// CreateCheckpoint handles POST /api/checkpoints.
func (h *APIHandlers) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cp, err := h.manager.Create(r.Context(), req.Version, req.Description, req.Config)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.publish(EventCheckpointCreated, cp.Version, cp)
	respondJSON(w, http.StatusCreated, cp)
}

// GetCheckpoint handles GET /api/checkpoints/{version}.
func (h *APIHandlers) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.manager.Get(r.Context(), r.PathValue("version"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cp)
}

// ActiveCheckpoint handles GET /api/checkpoints/active.
func (h *APIHandlers) ActiveCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.manager.Active(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cp)
}

// DeleteCheckpoint handles DELETE /api/checkpoints/{version}?force=true.
func (h *APIHandlers) DeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.manager.Delete(r.Context(), r.PathValue("version"), checkpoint.DeleteOptions{Force: force})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.publish(EventCheckpointDeleted, res.Deleted, res)
	respondJSON(w, http.StatusOK, res)
}

// ActivateCheckpoint handles POST /api/checkpoints/{version}/activate.
func (h *APIHandlers) ActivateCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.manager.Activate(r.Context(), r.PathValue("version"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.publish(EventCheckpointActivated, cp.Version, nil)
	respondJSON(w, http.StatusOK, cp)
}

// UpdateCheckpointConfig handles PUT /api/checkpoints/{version}/config.
func (h *APIHandlers) UpdateCheckpointConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cp, err := h.manager.UpdateConfig(r.Context(), r.PathValue("version"), req.Description, req.Config)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.publish(EventCheckpointUpdated, cp.Version, cp)
	respondJSON(w, http.StatusOK, cp)
}

// History handles GET /api/history?version=&limit=.
func (h *APIHandlers) History(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	turns, err := h.engine.History(r.Context(), r.URL.Query().Get("version"), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if turns == nil {
		turns = []*types.Turn{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Turns: turns, Count: len(turns)})
}

// ClearHistory handles DELETE /api/history?version=.
func (h *APIHandlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	version, n, err := h.engine.ClearHistory(r.Context(), r.URL.Query().Get("version"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.publish(EventHistoryCleared, version, nil)
	respondJSON(w, http.StatusOK, ClearHistoryResponse{CheckpointVersion: version, Deleted: n})
}

// Stats handles GET /api/stats?version=.
func (h *APIHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), r.URL.Query().Get("version"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Ingest handles POST /api/ingest. Ingestion runs within the request; the
// response is the run summary.
func (h *APIHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	messages, err := ingest.ParseMessages(req.Messages)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	version := req.CheckpointVersion
	if version == "" {
		active, err := h.manager.Active(r.Context())
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		version = active.Version
	}

	chunk := h.chunk
	if req.ChunkSize != 0 {
		chunk.Size = req.ChunkSize
	}
	if req.ChunkOverlap != 0 {
		chunk.Overlap = req.ChunkOverlap
	}

	summary, err := h.pipeline.Ingest(r.Context(), ingest.Request{
		CheckpointVersion: version,
		Messages:          messages,
		SourceType:        req.SourceType,
		Chunk:             chunk,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.publish(EventIngestCompleted, version, summary)
	respondJSON(w, http.StatusOK, summary)
}

func (h *APIHandlers) publish(kind, version string, data any) {
	if h.hub == nil {
		return
	}
	h.hub.Broadcast(Event{Type: kind, Version: version, Data: data})
}

// Helper functions

// decodeJSON reads the request body into v. An empty body leaves v at its
// zero value. On failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  codeFor(types.ErrInvalidConfiguration),
		})
		return false
	}
	return true
}

// parseInt parses an integer query value, returning def when it is empty.
func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", types.ErrInvalidConfiguration, s)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", types.ErrInvalidConfiguration, s)
	}
	return v, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateVersion),
		errors.Is(err, types.ErrNoActiveCheckpoint),
		errors.Is(err, types.ErrCannotDeleteActive):
		return http.StatusConflict
	case errors.Is(err, types.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// codeFor returns the machine-readable code of an error.
func codeFor(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidConfiguration):
		return "INVALID_CONFIGURATION"
	case errors.Is(err, types.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, types.ErrDuplicateVersion):
		return "DUPLICATE_VERSION"
	case errors.Is(err, types.ErrNoActiveCheckpoint):
		return "NO_ACTIVE_CHECKPOINT"
	case errors.Is(err, types.ErrCannotDeleteActive):
		return "CANNOT_DELETE_ACTIVE"
	case errors.Is(err, types.ErrExternalService):
		return "EXTERNAL_SERVICE"
	case errors.Is(err, types.ErrStorageInconsistency):
		return "STORAGE_INCONSISTENCY"
	default:
		return "INTERNAL"
	}
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// headers are already sent
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// respondError maps err to a status and writes an ErrorResponse.
func (h *APIHandlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := h.logger
	if l, ok := logging.FromContext(r.Context()); ok {
		logger = l
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: codeFor(err)})
}
