package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientBuffer is how many events a slow subscriber may lag behind before
// further events are dropped for it.
const clientBuffer = 32

// Hub fans committed marketplace events out to websocket subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		log:     log,
	}
}

func (h *Hub) register(client chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

func (h *Hub) unregister(client chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client <- data:
		default:
			// slow subscriber
		}
	}
}

// Publish sends an event to every connected subscriber without blocking.
func (h *Hub) Publish(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("Failed to encode event", zap.Error(err))
		return
	}
	h.broadcast(data)
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// @Title: Activity Feed
// @Route: GET /ws/activity
// @Description: WebSocket stream of committed marketplace events (minted, listed, cancelled, sold)
// @Response: {"type": "sold", "token_id": 1, "actor": "...", "price": 5000000, "fee": 125000, "height": 7, ...}
func (s *Service) HandleActivityWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client := make(chan []byte, clientBuffer)
	s.hub.register(client)
	defer s.hub.unregister(client)

	// Reads are only for control frames and to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case data, ok := <-client:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
