// Package realtime is the WebSocket publish/subscribe transport. A Hub
// tracks every connected subscriber, fans broadcast events out to all of
// them, and hands inbound events to a Dispatcher. It knows nothing about
// stamps beyond the envelope format.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"stampcast/internal/identity"
	"stampcast/internal/platform/metrics"

	"github.com/gorilla/websocket"
)

// EventError is sent to a connection whose message could not be decoded.
const EventError = "error"

var (
	// ErrClosed is returned when sending to a closed connection or hub.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's outbound queue is
	// full; the connection is closed.
	ErrSlowConsumer = errors.New("subscriber queue full")

	errCredentialRequired = errors.New("credential required")
)

// Envelope is the wire format of every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dispatcher handles inbound events. Dispatch runs on the connection's read
// goroutine, so events from one connection are handled in arrival order.
// ctx carries the connection's verified identity (identity.FromContext).
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Conn, event string, data json.RawMessage)
}

// Config tunes connection keepalive and buffering. Zero values take the
// defaults below.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins restricts browser upgrades. Empty allows any origin.
	AllowedOrigins []string
	// RequireCredential refuses upgrades that carry no credential instead
	// of admitting them as anonymous viewers.
	RequireCredential bool
}

const (
	defaultPingInterval   = 30 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultSendBuffer     = 64
	defaultMaxMessageSize = 16 << 10
)

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval + c.PingInterval/2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// Hub is the set of connected subscribers.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	verifier identity.Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	conns      map[*Conn]struct{}
	dispatcher Dispatcher
	closed     bool
}

// NewHub returns a Hub. verifier may be nil, in which case every connection
// is anonymous. Metrics may be nil.
func NewHub(cfg Config, verifier identity.Verifier, log *slog.Logger, m *metrics.Metrics) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		log:      log,
		metrics:  m,
		conns:    make(map[*Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetDispatcher installs the handler for inbound events. It must be called
// before the hub serves connections.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	// Non-browser clients send no Origin.
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request to a WebSocket subscriber. A present but
// invalid credential is refused with 401 before upgrading; a missing
// credential yields an anonymous subscriber that can receive but whose
// submissions are rejected by the Dispatcher, unless RequireCredential is
// set.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, err := h.authenticate(r)
	if err != nil {
		h.log.Info("websocket credential rejected", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	who := identity.FromContext(r.Context())

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(h, ws)
	if !h.register(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		ws.Close()
		return
	}

	h.log.Info("subscriber connected",
		slog.String("conn_id", c.id),
		slog.String("user_id", who.ID),
		slog.Int("subscribers", h.Count()))

	go c.writePump()
	c.readPump(r.Context())
}

// authenticate resolves the request's credential and returns r with the
// verified identity on its context. Anonymous requests get the zero
// Identity.
func (h *Hub) authenticate(r *http.Request) (*http.Request, error) {
	cred := identity.CredentialFromRequest(r)
	if cred == "" || h.verifier == nil {
		if h.cfg.RequireCredential {
			return r, errCredentialRequired
		}
		return r, nil
	}
	id, err := h.verifier.Verify(r.Context(), cred)
	if err != nil {
		return r, err
	}
	return r.WithContext(identity.WithIdentity(r.Context(), id)), nil
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		h.log.Info("subscriber disconnected",
			slog.String("conn_id", c.id),
			slog.Int("subscribers", n))
	}
}

// Broadcast marshals data once and queues it for every connected
// subscriber, returning how many accepted it. Subscribers whose queues are
// full are disconnected instead of blocking the publisher.
func (h *Hub) Broadcast(event string, data any) int {
	msg, err := encode(event, data)
	if err != nil {
		h.log.Error("encode broadcast failed", slog.String("event", event), slog.String("error", err.Error()))
		return 0
	}

	var slow []*Conn
	delivered := 0

	h.mu.RLock()
	for c := range h.conns {
		switch err := c.enqueue(msg); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSlowConsumer):
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow subscriber", slog.String("conn_id", c.id))
		if h.metrics != nil {
			h.metrics.IncDroppedSubscribers()
		}
		c.Close()
	}
	return delivered
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close refuses new subscribers and closes every connected one with a
// going-away close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(h.cfg.WriteWait))
		c.Close()
	}
}

func encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
