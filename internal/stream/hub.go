// Package stream pushes price changes to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/trade"
)

// Message types.
const (
	TypeSettlement = "settlement"
	TypeTrade      = "trade"
)

// PriceUpdate is a JSON message sent to WebSocket clients.
type PriceUpdate struct {
	Type            string `json:"type"`
	TeamID          string `json:"team_id"`
	PriceCents      int64  `json:"price_cents"`
	MarketCapCents  int64  `json:"market_cap_cents"`
	AvailableShares int64  `json:"available_shares,omitempty"`
	FixtureID       string `json:"fixture_id,omitempty"`
	Ts              int64  `json:"ts_unix_ms"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub manages WebSocket connections and broadcasts price updates to all
// connected clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger
}

// NewHub creates a new hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logging.OrNop(log),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
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
			h.log.Info("ws client connected", zap.Int("total", n))

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
				conn.SetWriteDeadline(time.Now().Add(writeWait))
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

// Broadcast queues a message for every client. It never blocks: when the
// buffer is full the update is dropped.
func (h *Hub) Broadcast(msg PriceUpdate) {
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("ws broadcast buffer full, dropping update", zap.String("team_id", msg.TeamID))
	}
}

// Settled is a settlement.Observer broadcasting both teams' new prices.
func (h *Hub) Settled(_ context.Context, r *settlement.Result) {
	for _, e := range r.Entries {
		h.Broadcast(PriceUpdate{
			Type:           TypeSettlement,
			TeamID:         e.TeamID,
			PriceCents:     e.PriceAfterCents,
			MarketCapCents: e.MarketCapAfterCents,
			FixtureID:      r.FixtureID,
		})
	}
}

// Traded is a trade.Observer broadcasting the team's inventory and price.
func (h *Hub) Traded(_ context.Context, team model.Team, r *trade.Result) {
	h.Broadcast(PriceUpdate{
		Type:            TypeTrade,
		TeamID:          team.ID,
		PriceCents:      r.PriceCents,
		MarketCapCents:  team.MarketCapCents,
		AvailableShares: team.AvailableShares,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep the connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
