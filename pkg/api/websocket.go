package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelEvents = "events"
	prefixOrder   = "order:"
	prefixAccount = "account:"

	sendBuffer = 256
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

func orderChannel(id uint64) string { return prefixOrder + strconv.FormatUint(id, 10) }

func accountChannel(a common.Address) string { return prefixAccount + strings.ToLower(a.Hex()) }

// normalizeChannel validates a requested channel and puts it in the form the
// hub publishes to. Account addresses match case-insensitively.
func normalizeChannel(ch string) (string, bool) {
	switch {
	case ch == channelEvents:
		return ch, true
	case strings.HasPrefix(ch, prefixOrder):
		id, err := strconv.ParseUint(strings.TrimPrefix(ch, prefixOrder), 10, 64)
		if err != nil {
			return "", false
		}
		return orderChannel(id), true
	case strings.HasPrefix(ch, prefixAccount):
		addr := strings.TrimPrefix(ch, prefixAccount)
		if !common.IsHexAddress(addr) {
			return "", false
		}
		return accountChannel(common.HexToAddress(addr)), true
	default:
		return "", false
	}
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	log *zap.SugaredLogger

	// Registered clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	quit     chan struct{}
	stopOnce sync.Once

	// Mutex for thread-safe access
	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop, closing every
// client's send channel.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.drop(client)

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() { h.stopOnce.Do(func() { close(h.quit) }) }

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.log.Debugw("ws_disconnected", "client", client.id, "total", len(h.clients))
	}
}

// Publish sends msg once to every client subscribed to at least one of
// channels. The channel field is set to the first match for that client.
func (h *Hub) Publish(channels map[string]struct{}, msg WSMessage) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		ch, ok := client.firstSubscribed(channels)
		if !ok {
			continue
		}
		m := msg
		m.Channel = ch
		data, err := json.Marshal(m)
		if err != nil {
			h.log.Warnw("ws_marshal_failed", "err", err)
			break
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Client send buffer full, disconnect
	for _, c := range slow {
		h.drop(c)
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// Subscribed channels
	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) firstSubscribed(channels map[string]struct{}) (string, bool) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if c.subscriptions[channelEvents] {
		if _, ok := channels[channelEvents]; ok {
			return channelEvents, true
		}
	}
	best := ""
	for ch := range channels {
		if c.subscriptions[ch] && (best == "" || ch < best) {
			best = ch
		}
	}
	return best, best != ""
}

// Subscribe adds a channel subscription
func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

// Unsubscribe removes a channel subscription
func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// reply queues a control message for this client only. It is dropped if the
// client is already gone or backed up.
func (c *Client) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			break
		}

		// Handle subscription requests
		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		var accepted, rejected []string
		for _, raw := range req.Channels {
			ch, ok := normalizeChannel(raw)
			if !ok {
				rejected = append(rejected, raw)
				continue
			}
			accepted = append(accepted, ch)
		}

		switch req.Op {
		case "subscribe":
			for _, ch := range accepted {
				c.Subscribe(ch)
			}
			c.reply(WSMessage{Type: "subscribed", Data: accepted})
		case "unsubscribe":
			for _, ch := range accepted {
				c.Unsubscribe(ch)
			}
			c.reply(WSMessage{Type: "unsubscribed", Data: accepted})
		default:
			c.reply(WSMessage{Type: "error", Data: "unknown op " + req.Op})
			continue
		}
		if len(rejected) > 0 {
			c.reply(WSMessage{Type: "error", Data: map[string][]string{"unknownChannels": rejected}})
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            requestIDFrom(r),
		subscriptions: make(map[string]bool),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.quit:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
