package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"stampcast/internal/identity"
	"stampcast/internal/platform/metrics"

	"github.com/gorilla/websocket"
)

// echoDispatcher replies to "ping" with "pong" carrying the caller's name
// and records every event it sees.
type echoDispatcher struct {
	mu     sync.Mutex
	events []string
}

func (d *echoDispatcher) Dispatch(ctx context.Context, c *Conn, event string, _ json.RawMessage) {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	if event == "ping" {
		c.Send("pong", map[string]string{"name": identity.FromContext(ctx).Name})
	}
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	return newTestHubWithMetrics(t, cfg, nil)
}

func newTestHubWithMetrics(t *testing.T, cfg Config, m *metrics.Metrics) (*Hub, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	v := identity.NewStaticVerifier()
	v.Add("good", identity.Identity{ID: "u1", Name: "ursula"})

	h := NewHub(cfg, v, log, m)
	h.SetDispatcher(&echoDispatcher{})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, h *Hub, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	want := h.Count() + 1
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	waitForCount(t, h, want)
	return ws
}

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", want, h.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestHub_Broadcast_reaches_all_in_order(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	a := dial(t, h, srv, "good")
	b := dial(t, h, srv, "")

	for i := 0; i < 3; i++ {
		if n := h.Broadcast("tick", map[string]int{"n": i}); n != 2 {
			t.Fatalf("expected 2 deliveries, got %d", n)
		}
	}

	for _, ws := range []*websocket.Conn{a, b} {
		for i := 0; i < 3; i++ {
			env := readEnvelope(t, ws)
			var got map[string]int
			json.Unmarshal(env.Data, &got)
			if env.Event != "tick" || got["n"] != i {
				t.Fatalf("message %d: got %s %s", i, env.Event, env.Data)
			}
		}
	}
}

func TestHub_Send_is_unicast(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	a := dial(t, h, srv, "good")
	b := dial(t, h, srv, "")

	if err := a.WriteJSON(Envelope{Event: "ping"}); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, a)
	if env.Event != "pong" || !strings.Contains(string(env.Data), "ursula") {
		t.Fatalf("unexpected reply %s %s", env.Event, env.Data)
	}

	// b must not have seen the pong: its next message is the broadcast.
	h.Broadcast("after", nil)
	if env := readEnvelope(t, b); env.Event != "after" {
		t.Fatalf("b received %q", env.Event)
	}
}

func TestHub_malformed_message(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	a := dial(t, h, srv, "")

	a.WriteMessage(websocket.TextMessage, []byte(`{"data":1}`))
	env := readEnvelope(t, a)
	if env.Event != EventError {
		t.Fatalf("expected %q, got %q", EventError, env.Event)
	}
	if !strings.Contains(string(env.Data), "malformed message") {
		t.Errorf("unexpected data %s", env.Data)
	}
}

func TestHub_invalid_credential(t *testing.T) {
	_, srv := newTestHub(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "bad"), nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHub_RequireCredential(t *testing.T) {
	h, srv := newTestHub(t, Config{RequireCredential: true})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		t.Fatal("expected anonymous dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	a := dial(t, h, srv, "good")
	a.WriteJSON(Envelope{Event: "ping"})
	if env := readEnvelope(t, a); !strings.Contains(string(env.Data), "ursula") {
		t.Errorf("identity not carried to the dispatcher: %s", env.Data)
	}
}

func TestHub_Broadcast_drops_slow_subscriber(t *testing.T) {
	m := metrics.New()
	h, srv := newTestHubWithMetrics(t, Config{SendBuffer: 1}, m)
	fast := dial(t, h, srv, "")
	slow := dial(t, h, srv, "")

	// slow never reads, so its socket buffers fill and its write pump
	// blocks; fast drains every message before the next broadcast.
	payload := strings.Repeat("x", 1<<20)
	dropped := false
	for i := 0; i < 256 && !dropped; i++ {
		n := h.Broadcast("bulk", payload)
		if n < 1 {
			t.Fatalf("broadcast %d reached no one", i)
		}
		if env := readEnvelope(t, fast); env.Event != "bulk" {
			t.Fatalf("fast subscriber got %q", env.Event)
		}
		dropped = n == 1
	}
	if !dropped {
		t.Fatal("slow subscriber was never dropped")
	}

	waitForCount(t, h, 1)
	if n := h.Broadcast("after", nil); n != 1 {
		t.Errorf("expected 1 delivery after drop, got %d", n)
	}
	if env := readEnvelope(t, fast); env.Event != "after" {
		t.Errorf("fast subscriber got %q", env.Event)
	}

	// The slow side sees its buffered backlog, then the closed socket.
	slow.SetReadDeadline(time.Now().Add(10 * time.Second))
	var err error
	for err == nil {
		_, _, err = slow.ReadMessage()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Errorf("slow subscriber connection was not closed: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "stamps_dropped_subscribers_total 1") {
		t.Errorf("dropped subscriber not counted:\n%s", rec.Body.String())
	}
}

func TestHub_disconnect_unregisters(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	a := dial(t, h, srv, "")
	dial(t, h, srv, "")

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()
	waitForCount(t, h, 1)

	if n := h.Broadcast("x", nil); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
}

func TestHub_Close_refuses_new_subscribers(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	a := dial(t, h, srv, "")

	h.Close()

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
	waitForCount(t, h, 0)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		t.Fatal("expected dial to fail after Close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestHub_checkOrigin(t *testing.T) {
	h := NewHub(Config{AllowedOrigins: []string{"https://app.example"}}, nil, slog.Default(), nil)

	cases := map[string]bool{
		"":                     true,
		"https://app.example":  true,
		"https://evil.example": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := h.checkOrigin(r); got != want {
			t.Errorf("origin %q: got %v want %v", origin, got, want)
		}
	}
}

func TestConn_enqueue_full_queue(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1}, nil, slog.Default(), nil)
	c := &Conn{id: "slow", hub: h, send: make(chan []byte, 1), done: make(chan struct{})}
	h.conns[c] = struct{}{}

	if err := c.enqueue([]byte("a")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := c.enqueue([]byte("b")); err != ErrSlowConsumer {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
}

func TestConfig_withDefaults(t *testing.T) {
	c := Config{PingInterval: 10 * time.Second}.withDefaults()
	if c.PongWait != 15*time.Second {
		t.Errorf("PongWait: %v", c.PongWait)
	}
	if c.SendBuffer != defaultSendBuffer || c.WriteWait != defaultWriteWait || c.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("unexpected defaults %+v", c)
	}
}
