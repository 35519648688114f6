package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Client is one websocket subscriber watching a trip
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	tripID string
}

// Hub keeps websocket subscribers per trip and pushes trip events to them
type Hub struct {
	clients  map[string]map[*Client]bool
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewHub creates a hub. allowedOrigins empty accepts any origin.
func NewHub(allowedOrigins []string, logger *logrus.Logger) *Hub {
	h := &Hub{
		clients: make(map[string]map[*Client]bool),
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Name implements Sink
func (h *Hub) Name() string { return "websocket" }

// Deliver implements Sink. Slow subscribers are disconnected rather than
// allowed to hold up delivery.
func (h *Hub) Deliver(_ context.Context, e models.Event) error {
	if e.TripID == "" {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients[e.TripID] {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.unregister(client)
	}
	return nil
}

// Serve upgrades the request and subscribes the connection to a trip
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tripID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), tripID: tripID}
	h.register(client)

	go client.writePump()
	go client.readPump()
	return nil
}

// ClientCount returns the number of subscribers watching a trip
func (h *Hub) ClientCount(tripID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tripID])
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	if h.clients[c.tripID] == nil {
		h.clients[c.tripID] = make(map[*Client]bool)
	}
	h.clients[c.tripID][c] = true
	count := len(h.clients[c.tripID])
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"trip_id": c.tripID, "subscribers": count}).Debug("WebSocket client registered")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[c.tripID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.clients, c.tripID)
	}
}

// readPump only watches for close and pong frames; subscribers never send data
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
