package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one connected subscriber. Writes go through a buffered queue
// drained by a single write pump, so a Conn receives events in the order
// they were queued.
type Conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Send queues an event for this connection only.
func (c *Conn) Send(event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}
	if err := c.enqueue(msg); err != nil {
		if err == ErrSlowConsumer {
			c.Close()
		}
		return err
	}
	return nil
}

// enqueue never blocks. send is never closed, so a concurrent Close cannot
// make this panic.
func (c *Conn) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close disconnects the subscriber and removes it from the hub. Safe to
// call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.unregister(c)
	})
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.Close()

	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debug("subscriber read error",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.hub.log.Debug("malformed message", slog.String("conn_id", c.id))
			c.Send(EventError, map[string]string{"message": "malformed message"})
			continue
		}

		c.hub.mu.RLock()
		d := c.hub.dispatcher
		c.hub.mu.RUnlock()
		if d == nil {
			continue
		}
		d.Dispatch(ctx, c, env.Event, env.Data)
	}
}

func (c *Conn) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
