package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/pkg/types"
	"github.com/scrypster/checkpoint/web/handlers"
)

type fakeChat struct{}

func (fakeChat) Chat(ctx context.Context, req engine.ChatRequest) (*engine.ChatResponse, error) {
	if req.Version == "missing" {
		return nil, fmt.Errorf("%w: checkpoint missing", types.ErrNotFound)
	}
	return &engine.ChatResponse{Response: "re: " + req.Message, CheckpointVersion: "0.1", Sources: []types.RetrievalResult{}}, nil
}

func (fakeChat) Regenerate(ctx context.Context, req engine.RegenerateRequest) (*engine.ChatResponse, error) {
	return nil, errors.New("unexpected")
}

func startHub(t *testing.T) (*handlers.WebSocketHub, string) {
	t.Helper()
	hub := handlers.NewWebSocketHub(fakeChat{}, nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame handlers.Frame) handlers.Reply { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
	_, out, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply handlers.Reply
	require.NoError(t, json.Unmarshal(out, &reply))
	return reply
}

func TestWebSocketHub_RejectsForeignOrigin(t *testing.T) {
	hub := handlers.NewWebSocketHub(fakeChat{}, nil, nil)
	defer hub.Stop()

	req := httptest.NewRequest("GET", "http://localhost:8000/api/ws", nil)
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebSocketHub_Chat(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	reply := roundTrip(t, conn, handlers.Frame{Type: "chat", ID: "1", Message: "hello"})
	assert.Equal(t, "response", reply.Type)
	assert.Equal(t, "1", reply.ID)
	require.NotNil(t, reply.Data)
	assert.Equal(t, "re: hello", reply.Data.Response)

	reply = roundTrip(t, conn, handlers.Frame{Type: "chat", ID: "2", Message: "hi", Version: "missing"})
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "2", reply.ID)
	assert.Equal(t, "NOT_FOUND", reply.Code)

	reply = roundTrip(t, conn, handlers.Frame{Type: "subscribe", ID: "3"})
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "INVALID_CONFIGURATION", reply.Code)
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(handlers.Event{Type: handlers.EventCheckpointActivated, Version: "0.2"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var event handlers.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, handlers.EventCheckpointActivated, event.Type)
	assert.Equal(t, "0.2", event.Version)
}

func TestWebSocketHub_Disconnect(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
