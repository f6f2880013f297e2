package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"stampcast/internal/platform/logger"
	"stampcast/internal/realtime"
	"stampcast/internal/stamps"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by SubmitStamp while the Channel has no
	// live connection. Fetching and local interaction are unaffected.
	ErrNotConnected = errors.New("not connected")
	// ErrUnauthorized is reported through OnError when the server refuses
	// the credential. The Channel moves to StateFailed without retrying.
	ErrUnauthorized = errors.New("credential refused by server")
	// ErrChannelClosed is returned when opening a Channel that was closed.
	ErrChannelClosed = errors.New("channel closed")
)

// ServerError is an error event received from the server: stamp-error for a
// rejected submission or error for an undecodable message.
type ServerError struct {
	Event   string
	Message string
}

func (e *ServerError) Error() string {
	return e.Event + ": " + e.Message
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:3000/ws.
	URL string
	// Token is sent as a bearer credential. Empty connects anonymously
	// (receive-only).
	Token     string
	Policy    ReconnectPolicy
	Dialer    *websocket.Dialer
	WriteWait time.Duration
	Logger    *slog.Logger
}

// Channel is a reconnecting subscription to the stamp broadcast. Stamp and
// error callbacks run on the Channel's read goroutine, one at a time, in
// arrival order.
type Channel struct {
	cfg ChannelConfig

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	everConnected bool
	nextID        int
	stampSubs     map[int]func(stamps.Stamp)
	errorSubs     map[int]func(error)
	stateSubs     map[int]func(State)
	reconnectSubs map[int]func()
	cancel        context.CancelFunc
	done          chan struct{}
	retry         chan struct{}
	stateChanged  chan struct{}

	writeMu sync.Mutex

	// after is time.After, replaceable in tests.
	after func(time.Duration) <-chan time.Time
}

// NewChannel returns an idle Channel. Call Open to start connecting.
func NewChannel(cfg ChannelConfig) *Channel {
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Channel{
		cfg:           cfg,
		stampSubs:     make(map[int]func(stamps.Stamp)),
		errorSubs:     make(map[int]func(error)),
		stateSubs:     make(map[int]func(State)),
		reconnectSubs: make(map[int]func()),
		retry:         make(chan struct{}, 1),
		stateChanged:  make(chan struct{}),
		after:         time.After,
	}
}

// Open starts the connect loop in the background and returns immediately.
// Opening an already open Channel is a no-op.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosed:
		return ErrChannelClosed
	case c.cancel != nil:
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Close stops reconnecting and closes the connection. It waits for the
// connect loop to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.ws
	c.mu.Unlock()

	if cancel == nil {
		c.setState(StateClosed)
		return nil
	}
	cancel()
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait))
		ws.Close()
	}
	<-done
	c.setState(StateClosed)
	return nil
}

// Reconnect restarts the connect loop after StateFailed, or skips the
// current backoff wait. It has no effect in any other state.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateFailed:
		// Leave Failed right away so AwaitConnected waits for the new attempt.
		c.setState(StateConnecting)
	case StateDisconnected:
	default:
		return
	}
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// State returns the current connectivity.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AwaitConnected blocks until the Channel is connected. It returns
// ErrNotConnected if the Channel fails or closes first.
func (c *Channel) AwaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.stateChanged
		c.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed, StateClosed:
			return fmt.Errorf("channel %s: %w", state, ErrNotConnected)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers fn for every stamp-created event. The returned func
// unsubscribes.
func (c *Channel) Subscribe(fn func(stamps.Stamp)) func() {
	return addSub(c, c.stampSubs, fn)
}

// OnError registers fn for server error events and connection failures.
func (c *Channel) OnError(fn func(error)) func() {
	return addSub(c, c.errorSubs, fn)
}

// OnState registers fn for state transitions.
func (c *Channel) OnState(fn func(State)) func() {
	return addSub(c, c.stateSubs, fn)
}

// OnReconnect registers fn to run each time the Channel is connected again
// after having lost its connection. It does not run for the first
// connection.
func (c *Channel) OnReconnect(fn func()) func() {
	return addSub(c, c.reconnectSubs, fn)
}

func addSub[F any](c *Channel, subs map[int]F, fn F) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(subs, id)
			c.mu.Unlock()
		})
	}
}

func snapshot[F any](c *Channel, subs map[int]F) []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]F, 0, len(subs))
	for i := 0; i < c.nextID; i++ {
		if fn, ok := subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// SubmitStamp sends a new-stamp event. The result arrives asynchronously as
// a stamp-created broadcast or a stamp-error reported through OnError.
func (c *Channel) SubmitStamp(ctx context.Context, sub stamps.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	msg, err := json.Marshal(realtime.Envelope{Event: stamps.EventNewStamp, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if ws == nil || state != StateConnected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("send %s: %w", stamps.EventNewStamp, err)
	}
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.mu.Unlock()

	c.cfg.Logger.Debug("channel state", slog.String("state", s.String()))
	for _, fn := range snapshot(c, c.stateSubs) {
		fn(s)
	}
}

func (c *Channel) emitError(err error) {
	for _, fn := range snapshot(c, c.errorSubs) {
		fn(err)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	policy := c.cfg.Policy
	attempt := 0

	for {
		c.setState(StateConnecting)
		ws, err := c.dial(ctx)
		if ctx.Err() != nil {
			if ws != nil {
				ws.Close()
			}
			return
		}

		switch {
		case err == nil:
			attempt = 0
			c.serve(ctx, ws)
			if ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
		case errors.Is(err, ErrUnauthorized):
			c.cfg.Logger.Warn("channel credential refused", slog.String("url", c.cfg.URL))
			c.emitError(err)
			if !c.waitRetry(ctx) {
				return
			}
			attempt = 0
			continue
		default:
			c.cfg.Logger.Debug("channel dial failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			c.setState(StateDisconnected)
		}

		attempt++
		if attempt > policy.MaxAttempts {
			c.cfg.Logger.Warn("channel giving up", slog.Int("attempts", policy.MaxAttempts))
			c.emitError(fmt.Errorf("reconnect failed after %d attempts: %w", policy.MaxAttempts, ErrNotConnected))
			if !c.waitRetry(ctx) {
				return
			}
			attempt = 0
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.retry:
		case <-c.after(policy.Delay(attempt)):
		}
	}
}

// waitRetry parks the loop in StateFailed until Reconnect or Close.
func (c *Channel) waitRetry(ctx context.Context) bool {
	c.setState(StateFailed)
	select {
	case <-ctx.Done():
		return false
	case <-c.retry:
		return true
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return ws, nil
}

// serve reads from ws until it fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	reconnected := c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	c.setState(StateConnected)
	if reconnected {
		for _, fn := range snapshot(c, c.reconnectSubs) {
			fn()
		}
	}

	// Close can race with the dial; closing here unblocks ReadMessage.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.cfg.Logger.Info("channel connection lost", slog.String("error", err.Error()))
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.cfg.Logger.Debug("undecodable server message", slog.String("error", err.Error()))
		return
	}

	switch env.Event {
	case stamps.EventStampCreated:
		var st stamps.Stamp
		if err := json.Unmarshal(env.Data, &st); err != nil {
			c.cfg.Logger.Debug("undecodable stamp", slog.String("error", err.Error()))
			return
		}
		for _, fn := range snapshot(c, c.stampSubs) {
			fn(st)
		}
	case stamps.EventStampError, realtime.EventError:
		var p stamps.ErrorPayload
		json.Unmarshal(env.Data, &p)
		c.emitError(&ServerError{Event: env.Event, Message: p.Message})
	}
}
