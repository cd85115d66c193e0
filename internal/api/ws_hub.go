package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gamblescope/wager-engine/internal/events"
	"github.com/gamblescope/wager-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients. It carries the
// headline numbers; clients fetch the full market if they need wagers.
type WSMessage struct {
	Type        string    `json:"type"`
	MarketID    string    `json:"market_id,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	AboveTotal  string    `json:"above_total,omitempty"`
	BelowTotal  string    `json:"below_total,omitempty"`
	TotalPot    string    `json:"total_pot,omitempty"`
	WagerCount  int       `json:"wager_count,omitempty"`
	WinningSide string    `json:"winning_side,omitempty"`
	Balance     string    `json:"balance,omitempty"`
	At          time.Time `json:"at"`
}

// messageFor flattens a change-feed event.
func messageFor(e events.Event) WSMessage {
	msg := WSMessage{
		Type:      string(e.Kind),
		MarketID:  e.MarketID,
		AccountID: e.AccountID,
		At:        e.At,
	}
	if m := e.Market; m != nil {
		msg.Status = string(m.Status)
		msg.AboveTotal = m.AboveTotal.String()
		msg.BelowTotal = m.BelowTotal.String()
		msg.TotalPot = m.TotalPot.String()
		msg.WagerCount = m.WagerCount
		msg.WinningSide = string(m.WinningSide)
	}
	if a := e.Account; a != nil {
		msg.Balance = a.Balance.String()
	}
	return msg
}

// WSHub manages WebSocket connections and pushes every committed change
// to all connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// HandleEvent is a change-feed handler.
func (h *WSHub) HandleEvent(e events.Event) {
	h.Broadcast(messageFor(e))
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full so commits never wait on slow clients.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Feed is public; no credentials ride on it.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
