// Package clients tracks the page contexts connected to the controller over
// websockets. Pages receive lifecycle and sync notifications and may send
// control messages back.
package clients

import (
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/obs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultBufferSize = 16
)

// Message types exchanged with pages.
const (
	TypeSkipWaiting      = "SKIP_WAITING"
	TypeSync             = "SYNC"
	TypeFormSyncComplete = "FORM_SYNC_COMPLETE"
	TypeControllerChange = "CONTROLLER_CHANGE"
	TypeHello            = "HELLO"
	TypeError            = "ERROR"
)

type Message struct {
	Type    string `json:"type"`
	Tag     string `json:"tag,omitempty"`
	Version string `json:"version,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Info describes one connected page.
type Info struct {
	ID          string    `json:"id"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr"`
}

// MessageHandler receives every message a page sends. A returned error is
// sent back to that page as an ERROR message.
type MessageHandler func(from Info, msg Message) error

type HubOptions struct {
	Metrics *obs.Metrics
	Logger  *zap.Logger
}

type Hub struct {
	mu         sync.RWMutex
	conns      map[*connection]struct{}
	controller string
	onMessage  MessageHandler
	onIdle     func()
	upgrader   websocket.Upgrader
	metrics    *obs.Metrics
	logger     *zap.Logger
}

func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = obs.WithModule("clients")
	}
	return &Hub{
		conns:   make(map[*connection]struct{}),
		metrics: opts.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

func (h *Hub) OnMessage(handler MessageHandler) {
	h.mu.Lock()
	h.onMessage = handler
	h.mu.Unlock()
}

// OnIdle is called each time the last connected page goes away.
func (h *Hub) OnIdle(fn func()) {
	h.mu.Lock()
	h.onIdle = fn
	h.mu.Unlock()
}

// Serve upgrades the request to a websocket and blocks until the page
// disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	conn := &connection{
		hub:    h,
		socket: socket,
		send:   make(chan Message, defaultBufferSize),
		done:   make(chan struct{}),
		info: Info{
			ID:          uuid.NewString(),
			Controller:  h.controller,
			ConnectedAt: time.Now().UTC(),
			RemoteAddr:  r.RemoteAddr,
		},
	}
	h.conns[conn] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetConnectedPages(count)
	h.logger.Debug("page connected", zap.String("client_id", conn.info.ID), zap.Int("connected", count))
	conn.enqueue(Message{Type: TypeHello, Version: conn.info.Controller, Data: map[string]string{"client_id": conn.info.ID}})

	go conn.writeLoop()
	conn.readLoop()
}

// Claim makes version the controller of every connected page and tells each
// of them. Pages connecting later start out controlled by version.
func (h *Hub) Claim(version string) int {
	h.mu.Lock()
	h.controller = version
	targets := make([]*connection, 0, len(h.conns))
	for conn := range h.conns {
		conn.setController(version)
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		conn.enqueue(Message{Type: TypeControllerChange, Version: version})
	}
	return len(targets)
}

func (h *Hub) Controller() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// MatchAll lists connected pages, oldest first.
func (h *Hub) MatchAll() []Info {
	h.mu.RLock()
	infos := make([]Info, 0, len(h.conns))
	for conn := range h.conns {
		infos = append(infos, conn.snapshot())
	}
	h.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// PostMessage sends msg to every connected page and returns how many were
// reached.
func (h *Hub) PostMessage(msg Message) int {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		conn.close()
	}
}

func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn)
	count := len(h.conns)
	onIdle := h.onIdle
	h.mu.Unlock()

	h.metrics.SetConnectedPages(count)
	h.logger.Debug("page disconnected", zap.String("client_id", conn.info.ID), zap.Int("connected", count))
	if count == 0 && onIdle != nil {
		onIdle()
	}
}

func (h *Hub) dispatch(conn *connection, msg Message) {
	h.mu.RLock()
	handler := h.onMessage
	h.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler(conn.snapshot(), msg); err != nil {
		conn.enqueue(Message{Type: TypeError, Data: map[string]string{"for": msg.Type, "error": err.Error()}})
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	info Info
}

func (c *connection) snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *connection) setController(version string) {
	c.mu.Lock()
	c.info.Controller = version
	c.mu.Unlock()
}

// enqueue never blocks: a page that cannot keep up is disconnected.
func (c *connection) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.hub.logger.Warn("dropping slow page", zap.String("client_id", c.info.ID))
		go c.close()
		return false
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("unexpected page close", zap.String("client_id", c.info.ID), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.hub.logger.Debug("invalid page message", zap.String("client_id", c.info.ID), zap.Error(err))
			continue
		}
		msg.Type = strings.ToUpper(strings.TrimSpace(msg.Type))
		c.hub.dispatch(c, msg)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.socket.Close()
	})
}

// sameOrigin accepts requests without an Origin header, same-host origins,
// and loopback origins.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originHost := hostWithoutPort(origin)
	return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if i := strings.Index(host, "://"); i != -1 {
		host = host[i+3:]
	}
	if slash := strings.Index(host, "/"); slash != -1 {
		host = host[:slash]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
