package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/checkpoint/internal/engine"
)

// ChatService answers chat frames received over a WebSocket.
type ChatService interface {
	Chat(ctx context.Context, req engine.ChatRequest) (*engine.ChatResponse, error)
	Regenerate(ctx context.Context, req engine.RegenerateRequest) (*engine.ChatResponse, error)
}

// Frame is a client request over the WebSocket. Type is "chat" or
// "regenerate"; ID is echoed back on the reply.
type Frame struct {
	Type        string   `json:"type"`
	ID          string   `json:"id,omitempty"`
	Message     string   `json:"message,omitempty"`
	Version     string   `json:"checkpoint_version,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Reply answers one Frame. Exactly one of Data and Error is set.
type Reply struct {
	Type  string               `json:"type"`
	ID    string               `json:"id,omitempty"`
	Data  *engine.ChatResponse `json:"data,omitempty"`
	Error string               `json:"error,omitempty"`
	Code  string               `json:"code,omitempty"`
}

// WebSocketHub serves chat over WebSocket connections and broadcasts events
// to every connected client.
type WebSocketHub struct {
	chat    ChatService
	origins []string
	logger  *slog.Logger

	clients    map[clientInterface]bool
	broadcast  chan any
	register   chan clientInterface
	unregister chan clientInterface
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
	once sync.Once
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewWebSocketHub creates a hub. Browsers are only accepted from the same
// host or from origins matching one of originPatterns.
func NewWebSocketHub(chat ChatService, originPatterns []string, logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		chat:       chat,
		origins:    originPatterns,
		logger:     logger,
		clients:    make(map[clientInterface]bool),
		broadcast:  make(chan any, 256),
		register:   make(chan clientInterface),
		unregister: make(chan clientInterface),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's message processing loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "clients", count)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("failed to marshal websocket message", "error", err)
				continue
			}

			// Full lock: slow clients are removed from the map.
			h.mu.Lock()
			for client := range h.clients {
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// ClientCount returns the number of registered clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients. It never blocks; the
// message is dropped when the hub is backed up.
func (h *WebSocketHub) Broadcast(message any) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// writePump sends broadcast events to the WebSocket connection.
func (c *Client) writePump() {
	defer c.shutdown()

	for message := range c.send {
		if err := c.write(message); err != nil {
			c.hub.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// readPump answers chat frames until the connection closes. Frames from one
// client are handled in order.
func (c *Client) readPump() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.Read(c.hub.ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		if err != nil {
			return
		}

		reply := c.hub.handle(c.hub.ctx, data)
		out, err := json.Marshal(reply)
		if err != nil {
			c.hub.logger.Error("failed to marshal websocket reply", "error", err)
			continue
		}
		if err := c.write(out); err != nil {
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		c.hub.Unregister(c)
		c.close()
	})
}

// handle decodes one frame and runs it against the chat service.
func (h *WebSocketHub) handle(ctx context.Context, data []byte) Reply {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Reply{Type: "error", Error: "invalid frame: " + err.Error(), Code: "INVALID_CONFIGURATION"}
	}

	var (
		resp *engine.ChatResponse
		err  error
	)
	switch f.Type {
	case "chat", "":
		resp, err = h.chat.Chat(ctx, engine.ChatRequest{Message: f.Message, Version: f.Version})
	case "regenerate":
		resp, err = h.chat.Regenerate(ctx, engine.RegenerateRequest{Version: f.Version, Temperature: f.Temperature})
	default:
		return Reply{Type: "error", ID: f.ID, Error: "unknown frame type " + f.Type, Code: "INVALID_CONFIGURATION"}
	}
	if err != nil {
		h.logger.Debug("websocket chat failed", "type", f.Type, "error", err)
		return Reply{Type: "error", ID: f.ID, Error: err.Error(), Code: codeFor(err)}
	}
	return Reply{Type: "response", ID: f.ID, Data: resp}
}
