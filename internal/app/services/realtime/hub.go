package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/httputil"
	"github.com/wattwise/energy-monitor/internal/platform/pushapi"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Hub terminates dashboard websockets in-process. It registers each socket
// with the Service and delivers the pushes the Service fans out.
type Hub struct {
	svc       *Service
	validator *auth.Validator
	upgrader  websocket.Upgrader
	log       *logger.Logger

	mu      sync.RWMutex
	clients map[string]*client
	done    chan struct{}
	stop    sync.Once

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ pushapi.Pusher = (*Hub)(nil)

// NewHub creates a hub accepting browsers from origins ("*" allows any).
func NewHub(svc *Service, validator *auth.Validator, origins []string, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("realtime-hub")
	}
	h := &Hub{
		svc:          svc,
		validator:    validator,
		log:          log,
		clients:      make(map[string]*client),
		done:         make(chan struct{}),
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

func (h *Hub) Name() string { return "realtime-hub" }

func (h *Hub) Start(context.Context) error { return nil }

// Stop closes every open socket.
func (h *Hub) Stop(context.Context) error {
	h.stop.Do(func() { close(h.done) })

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
	return nil
}

// ServeHTTP authenticates the id token in the auth query parameter and
// upgrades the request.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := h.validator.ValidateIDToken(r.URL.Query().Get("auth"))
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("websocket rejected")
		httputil.WriteError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	ctx := logger.WithUserID(context.Background(), ident.UserID)

	// Registered before Connect so a broadcast that lists the stored
	// connection can already push to it.
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	if err := h.svc.Connect(ctx, id, ident); err != nil {
		h.log.WithContext(ctx).WithError(err).Error("register connection failed")
		h.mu.Lock()
		if cur, ok := h.clients[id]; ok && cur == c {
			delete(h.clients, id)
		}
		h.mu.Unlock()
		conn.Close()
		return
	}

	go h.serve(ctx, id, c)
}

func (h *Hub) serve(ctx context.Context, id string, c *client) {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		h.remove(ctx, id, c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	})
	go h.pingLoop(id, c, stopPing)

	for {
		// Clients only listen; anything they send is discarded.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("connection_id", id).Debug("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) pingLoop(id string, c *client, stop <-chan struct{}) {
	if h.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-h.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				h.log.WithError(err).WithField("connection_id", id).Debug("websocket ping failed")
				c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) remove(ctx context.Context, id string, c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[id]; ok && cur == c {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	c.conn.Close()

	if err := h.svc.Disconnect(ctx, id); err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("unregister connection failed")
	}
}

// Push writes data to connectionID. Unknown connections report ErrGone.
func (h *Hub) Push(_ context.Context, connectionID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return pushapi.ErrGone
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connections returns the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
