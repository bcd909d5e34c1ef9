package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/runtime"
)

const (
	writeWait      = 5 * time.Second
	clientBacklog  = 256
	wsReadDeadline = time.Hour
)

// Hub fans runtime lifecycle notifications out to websocket subscribers.
// Slow clients are disconnected rather than allowed to stall the rest.
type Hub struct {
	logger core.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// Optional filters set by the subscribe query string.
	component string
	types     map[string]bool
}

// NewHub creates an empty hub.
func NewHub(logger core.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Publish delivers one notification to all matching subscribers. Safe to
// call from runtime dispatch goroutines; delivery is buffered per client.
func (h *Hub) Publish(n runtime.Notification) {
	data, err := core.JSONEncode(n)
	if err != nil {
		h.logger.Warnf("notification encode failed: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.component != "" && c.component != n.ComponentName {
			continue
		}
		if len(c.types) > 0 && !c.types[string(n.Type)] {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client is not keeping up; dropping the connection beats
			// blocking every runtime in the process.
			go c.conn.Close()
		}
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount reports the live subscriber count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// wsServer is the dedicated listener of the /ws endpoint. It runs on
// net/http because the websocket upgrade hijacks the connection.
type wsServer struct {
	hub       *Hub
	logger    core.Logger
	jwtSecret []byte
	upgrader  websocket.Upgrader
	server    *http.Server
}

func newWSServer(hub *Hub, logger core.Logger, jwtSecret []byte) *wsServer {
	return &wsServer{
		hub:       hub,
		logger:    logger,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *wsServer) listen(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: addr, Handler: mux}
	s.logger.Infof("websocket stream listening on %s", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *wsServer) shutdown() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
}

func (s *wsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.jwtSecret != nil {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" || !s.validToken(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, clientBacklog),
		component: r.URL.Query().Get("component"),
	}
	if types := r.URL.Query().Get("types"); types != "" {
		client.types = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			client.types[strings.TrimSpace(t)] = true
		}
	}
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go s.writeLoop(client)
	go s.readLoop(client)
}

func (s *wsServer) validToken(token string) bool {
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	return err == nil
}

func (s *wsServer) writeLoop(c *wsClient) {
	defer func() {
		s.hub.remove(c)
		c.conn.Close()
	}()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readLoop drains client frames so pings and close frames are processed;
// the stream is one-directional otherwise.
func (s *wsServer) readLoop(c *wsClient) {
	defer func() {
		s.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
