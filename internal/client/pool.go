package client

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool closed")

// Pool shares one Channel between every consumer in the process. The
// Channel is opened by the first Acquire and closed when the last holder
// releases it, or by Close at shutdown.
type Pool struct {
	cfg ChannelConfig

	mu     sync.Mutex
	ch     *Channel
	refs   int
	closed bool
}

// NewPool returns a Pool that opens Channels with cfg.
func NewPool(cfg ChannelConfig) *Pool {
	return &Pool{cfg: cfg}
}

// Acquire returns the shared Channel, opening it if needed, and a release
// func the caller must call exactly once when done. Extra calls to release
// are ignored.
//
// Acquire never waits on the network: Open only starts the connect loop, so
// ctx is checked once, up front. Callers that need a live connection follow
// with ch.AwaitConnected(ctx).
func (p *Pool) Acquire(ctx context.Context) (*Channel, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrPoolClosed
	}
	if p.ch == nil {
		ch := NewChannel(p.cfg)
		if err := ch.Open(); err != nil {
			return nil, nil, err
		}
		p.ch = ch
	}
	p.refs++
	ch := p.ch

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(ch) })
	}
	return ch, release, nil
}

func (p *Pool) release(ch *Channel) {
	p.mu.Lock()
	if p.ch != ch {
		// Already torn down by Close.
		p.mu.Unlock()
		return
	}
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	p.ch = nil
	p.mu.Unlock()

	ch.Close()
}

// Refs returns the number of outstanding Acquire calls.
func (p *Pool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Close tears down the shared Channel regardless of outstanding holders and
// refuses further Acquire calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	ch := p.ch
	p.ch = nil
	p.refs = 0
	p.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}
