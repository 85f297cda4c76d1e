package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velosim/market-engine/internal/metrics"
	"github.com/velosim/market-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients after each cell
// settles.
type WSMessage struct {
	Type         string `json:"type"`
	GameID       string `json:"game_id"`
	Period       int    `json:"period"`
	MarketID     string `json:"market_id"`
	ProductID    string `json:"product_id"`
	Segment      string `json:"segment"`
	Demand       int64  `json:"demand"`
	Offered      int64  `json:"offered"`
	Allocated    int64  `json:"allocated"`
	AveragePrice string `json:"average_price"`
}

// WSHub manages WebSocket connections and broadcasts cell outcomes to all
// connected observers when a turn settles.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastOutcome sends one settled cell to all connected clients.
func (h *WSHub) BroadcastOutcome(gameID string, outcome *model.CellOutcome) {
	h.send(WSMessage{
		Type:         "turn_settled",
		GameID:       gameID,
		Period:       outcome.Period,
		MarketID:     outcome.Cell.MarketID,
		ProductID:    outcome.Cell.ProductID,
		Segment:      string(outcome.Cell.Segment),
		Demand:       outcome.Demand,
		Offered:      outcome.Offered,
		Allocated:    outcome.Allocated,
		AveragePrice: outcome.AveragePrice.String(),
	})
}

func (h *WSHub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking turn processing.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
