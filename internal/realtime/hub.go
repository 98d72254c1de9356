// Package realtime pushes back-office events to connected dashboards over
// WebSocket. Delivery is best effort: a full buffer drops the message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divinealgo/backoffice/internal/distribution"
	"github.com/divinealgo/backoffice/internal/metrics"
	"github.com/divinealgo/backoffice/internal/model"
)

// Event types.
const (
	EventPnLDistributed     = "pnl_distributed"
	EventTransactionUpdated = "transaction_updated"
	EventDivineAlgoShare    = "divine_algo_share_update"
	EventWalletBalance      = "wallet_balance_update"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// PnLSummary is the payload of a pnl_distributed event.
type PnLSummary struct {
	PnLID           string `json:"pnl_id"`
	Symbol          string `json:"symbol"`
	Date            string `json:"date"`
	TotalPnL        string `json:"total_pnl"`
	DivineAlgoShare string `json:"divine_algo_share"`
	Applied         int    `json:"applied"`
	Skipped         int    `json:"skipped"`
	Failed          int    `json:"failed"`
}

// Total is the payload of the periodic aggregate events.
type Total struct {
	Total string `json:"total"`
}

// Hub manages WebSocket connections and broadcasts messages to all
// connected clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends an event to all connected clients.
func (h *Hub) Publish(eventType string, data any) {
	payload, err := json.Marshal(Message{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("ws marshal failed", "type", eventType, "err", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// Drop if buffer full to avoid blocking ledger writes.
	}
}

// PnLDistributed implements distribution.Notifier.
func (h *Hub) PnLDistributed(_ context.Context, r *distribution.Result) {
	h.Publish(EventPnLDistributed, PnLSummary{
		PnLID:           r.PnL.ID,
		Symbol:          r.PnL.Symbol,
		Date:            r.PnL.Date.Format("2006-01-02"),
		TotalPnL:        r.PnL.TotalPnL.String(),
		DivineAlgoShare: r.DivineAlgoShare.String(),
		Applied:         r.Count(model.LinkApplied),
		Skipped:         r.Count(model.LinkSkipped),
		Failed:          r.Count(model.LinkFailed),
	})
}

// TransactionUpdated announces a transaction status change.
func (h *Hub) TransactionUpdated(_ context.Context, tx *model.Transaction) {
	h.Publish(EventTransactionUpdated, tx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Dashboards are served from a separate origin.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
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

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
