// Package client is the viewer side of the stamp protocol: a reconnecting
// WebSocket Channel, a reference-counted Pool sharing one Channel per
// process, a per-video Cache reconciling the bulk fetch with live events,
// and a small HTTP API client.
package client

import (
	"fmt"
	"time"
)

// State is the connectivity of a Channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	// StateFailed is entered once the reconnect policy is exhausted or the
	// server refuses the credential. Only Reconnect leaves it.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReconnectPolicy is capped exponential backoff with a bounded number of
// consecutive attempts.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectPolicy waits 1s, 2s, 4s, 5s, 5s and then gives up.
var DefaultReconnectPolicy = ReconnectPolicy{
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Second,
	MaxAttempts:  5,
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultReconnectPolicy.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	return p
}

// Delay returns the wait before reconnect attempt n (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}
