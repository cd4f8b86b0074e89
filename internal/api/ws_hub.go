package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blinkmarket/flash-engine/internal/countdown"
	"github.com/blinkmarket/flash-engine/internal/engine"
	"github.com/blinkmarket/flash-engine/internal/metrics"
	"github.com/blinkmarket/flash-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Frame types pushed to WebSocket clients.
const (
	FrameRender   = "render"
	FrameResolved = "resolved"
)

// WSMessage is a JSON message sent to WebSocket clients. Render frames carry
// the full board; resolved frames carry only the markets that just closed.
type WSMessage struct {
	Type      string         `json:"type"`
	At        time.Time      `json:"at"`
	Markets   []MarketView   `json:"markets"`
	Recent    []model.Market `json:"recent,omitempty"`
	Prices    *PriceBoard    `json:"prices,omitempty"`
	Connected bool           `json:"connected"`
}

// WSHub manages WebSocket connections and broadcasts scheduler output to all
// connected clients. It implements engine.Observer.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	// latest render frame, replayed to clients as they join
	last []byte

	countdownDuration time.Duration
	logger            *slog.Logger
}

var _ engine.Observer = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub. Countdowns in render frames are
// measured against countdownDuration.
func NewWSHub(countdownDuration time.Duration, logger *slog.Logger) *WSHub {
	if countdownDuration <= 0 {
		countdownDuration = countdown.DefaultDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:           make(map[*websocket.Conn]bool),
		broadcast:         make(chan []byte, 256),
		register:          make(chan *websocket.Conn),
		unregister:        make(chan *websocket.Conn),
		done:              make(chan struct{}),
		countdownDuration: countdownDuration,
		logger:            logger.With(slog.String("component", "ws_hub")),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after
// closing every client connection.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			last := h.last
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", slog.Int("total", total))
			if last != nil {
				h.write(conn, last)
			}

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()
			for _, conn := range conns {
				h.write(conn, msg)
			}
		}
	}
}

func (h *WSHub) write(conn *websocket.Conn, msg []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		h.drop(conn)
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		conn.Close()
		metrics.WebSocketClients.Set(float64(total))
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	metrics.WebSocketClients.Set(0)
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Rendered broadcasts the board for one render tick.
func (h *WSHub) Rendered(v engine.View) {
	board := priceBoard(v.Prices, v.Connected)
	data, ok := h.encode(WSMessage{
		Type:      FrameRender,
		At:        v.At,
		Markets:   marketViews(v.Active, v.At, h.countdownDuration),
		Recent:    v.Recent,
		Prices:    &board,
		Connected: v.Connected,
	})
	if !ok {
		return
	}
	h.mu.Lock()
	h.last = data
	h.mu.Unlock()
	h.send(data)
}

// Resolved broadcasts markets that closed on the last expiry tick.
func (h *WSHub) Resolved(ms []model.Market) {
	at := time.Now()
	if len(ms) > 0 && ms[0].ResolvedAt != nil {
		at = *ms[0].ResolvedAt
	}
	if data, ok := h.encode(WSMessage{
		Type:    FrameResolved,
		At:      at,
		Markets: marketViews(ms, at, h.countdownDuration),
	}); ok {
		h.send(data)
	}
}

func (h *WSHub) encode(msg WSMessage) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode ws frame", slog.String("type", msg.Type), slog.String("error", err.Error()))
		return nil, false
	}
	return data, true
}

// send never blocks the scheduler; frames are dropped when the buffer is full.
func (h *WSHub) send(data []byte) {
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origins are enforced by the CORS middleware
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
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

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}
