package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 5 * time.Second
	wsReadLimit  = 512
	hubQueueSize = 8
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sampleMessage is the JSON payload pushed to websocket clients.
type sampleMessage struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
	State string  `json:"state"`
}

// Hub pushes each new focus sample to connected websocket clients so a
// dashboard can chart without polling. It implements the capture loop's
// sample sink; publishing never blocks, a backed-up hub just drops samples.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	status     LoopStatus
	logger     *zap.Logger
}

// NewHub creates a websocket hub. Run must be started for clients to be
// served.
func NewHub(status LoopStatus) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, hubQueueSize),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		status:     status,
		logger:     zap.L().Named("ws-hub"),
	}
}

// Run owns the client set until the context is canceled. Only this goroutine
// touches the map, so no lock is needed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("client connected", zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.logger.Debug("client disconnected", zap.Int("total", len(h.clients)))

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// PublishSample queues a sample for broadcast. Called from the capture loop.
func (h *Hub) PublishSample(value float64) {
	msg, err := json.Marshal(sampleMessage{
		Type:  "sample",
		Value: value,
		State: h.status.State().String(),
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		// Drop: the next sample supersedes this one anyway.
	}
}

// HandleWS handles GET /api/ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients never send data; reading is how gorilla surfaces close
	// frames.
	go func() {
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
					conn.Close()
				}
				return
			}
		}
	}()
}
