package dashboard

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leon-ai/leon/internal/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// upgrader accepts any origin: the dashboard is bearer-token authenticated
// at the frame level, not CORS-restricted (spec.md §6).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one authenticated dashboard WebSocket connection.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	logger     *logx.Logger
	authed     bool
	isLoopback bool
}

// Hub tracks connected dashboard clients and fans out broadcasts.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	logger *logx.Logger
}

// NewHub builds an idle Hub; call Run on a daemon goroutine to start it.
func NewHub(logger *logx.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		logger:     logger,
	}
}

// Run drives client (un)registration and broadcast fan-out until stopCh
// closes. It owns h.clients exclusively, so no other goroutine mutates it.
func (h *Hub) Run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("dashboard: client %s send buffer full, dropping broadcast", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast pushes frame to every connected client, dropping it for any
// client whose send buffer is saturated rather than blocking the hub.
func (h *Hub) Broadcast(frame OutboundFrame) {
	frame.Timestamp = time.Now().Unix()
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("dashboard: marshal broadcast frame: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("dashboard: broadcast channel full, dropping frame type %s", frame.Type)
	}
}

// ClientCount reports the number of currently connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Client) sendFrame(frame OutboundFrame) {
	frame.Timestamp = time.Now().Unix()
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("dashboard: marshal frame: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("dashboard: client %s send buffer full", c.id)
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
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			if err := w.Close(); err != nil {
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
