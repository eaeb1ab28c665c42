package api

import (
	"net/http"
	"sync"
	"time"

	"nestbridge/internal/clock"
	"nestbridge/internal/thermostat"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Update is one characteristic push as streamed to websocket clients.
type Update struct {
	DeviceID       string    `json:"device_id"`
	Characteristic string    `json:"characteristic"`
	Value          float64   `json:"value"`
	Timestamp      time.Time `json:"timestamp"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan Update
}

// Hub streams characteristic updates to websocket clients. It implements
// thermostat.Publisher.
type Hub struct {
	upgrader websocket.Upgrader
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clock:   clock.NewRealClock(),
		logger:  logger.Named("hub"),
		clients: make(map[*hubClient]struct{}),
	}
}

// SetClock sets the clock used to timestamp updates (useful for testing)
func (h *Hub) SetClock(c clock.Clock) {
	h.clock = c
}

// UpdateCharacteristic broadcasts the update. Clients that fall behind drop updates.
func (h *Hub) UpdateCharacteristic(deviceID string, c thermostat.Characteristic, value float64) {
	update := Update{
		DeviceID:       deviceID,
		Characteristic: c.String(),
		Value:          value,
		Timestamp:      h.clock.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- update:
		default:
			h.logger.Warn("Dropping update for slow client",
				zap.String("remote_addr", client.conn.RemoteAddr().String()))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams updates until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{conn: conn, send: make(chan Update, clientBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("Client connected", zap.String("remote_addr", r.RemoteAddr))

	go h.writeLoop(client)

	// Reads only detect the close; clients send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(client)
	h.logger.Debug("Client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (h *Hub) writeLoop(client *hubClient) {
	for update := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.conn.WriteJSON(update); err != nil {
			client.conn.Close()
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	client.conn.Close()
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
