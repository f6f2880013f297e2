package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stampcast/internal/platform/logger"
	"stampcast/internal/stamps"
)

// ErrStale is returned by Open or Resync when the cache moved to another
// video (or closed) while the fetch was in flight. The result was dropped.
var ErrStale = errors.New("stale fetch result discarded")

// Fetcher loads the stored stamps of a video. *API implements it.
type Fetcher interface {
	FetchStamps(ctx context.Context, videoID string) ([]stamps.Stamp, error)
}

// Source delivers live stamps. *Channel implements it.
type Source interface {
	Subscribe(fn func(stamps.Stamp)) func()
	OnReconnect(fn func()) func()
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// NoResync disables the re-fetch that otherwise runs every time the
	// Source reconnects, filling in stamps missed while offline.
	NoResync bool
	// ResyncTimeout bounds a reconnect-triggered re-fetch. Default 10s.
	ResyncTimeout time.Duration
	// OnChange receives a copy of the contents after every change.
	OnChange func([]stamps.Stamp)
	Logger   *slog.Logger
}

// Cache is the session view of the stamps of the one video currently open.
//
// The bulk fetch yields stamps in time order. Live stamps for the open
// video are appended in arrival order and are not re-sorted, so the tail
// may be out of time order until the next Open or Resync. Stamps are
// deduplicated by id.
type Cache struct {
	fetcher Fetcher
	source  Source
	opts    CacheOptions

	mu      sync.Mutex
	gen     uint64
	open    bool
	videoID string
	items   []stamps.Stamp
	ids     map[string]struct{}
	unsub   []func()
}

// NewCache returns a closed Cache. Call Open to load a video.
func NewCache(f Fetcher, src Source, opts CacheOptions) *Cache {
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Cache{fetcher: f, source: src, opts: opts}
}

// Open switches the cache to videoID: the previous video is discarded, the
// cache is reset to empty, live stamps are subscribed, and the stored stamps
// are fetched. The fetch result replaces the contents; live stamps that
// arrived during the fetch and are absent from the result stay after it.
//
// If another Open or Close happens before the fetch returns, the result is
// dropped and ErrStale is returned. A failed fetch leaves the cache open
// with whatever arrived live.
func (c *Cache) Open(ctx context.Context, videoID string) error {
	c.mu.Lock()
	prev := c.resetLocked()
	c.gen++
	gen := c.gen
	c.open = true
	c.videoID = videoID
	c.ids = make(map[string]struct{})
	c.mu.Unlock()

	for _, fn := range prev {
		fn()
	}
	c.notify(nil)

	unsub := []func(){c.source.Subscribe(c.onLive)}
	if !c.opts.NoResync {
		unsub = append(unsub, c.source.OnReconnect(c.onReconnect))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		for _, fn := range unsub {
			fn()
		}
		return ErrStale
	}
	c.unsub = unsub
	c.mu.Unlock()

	list, err := c.fetcher.FetchStamps(ctx, videoID)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("fetch stamps for %s: %w", videoID, err)
	}

	live := c.items
	c.items = make([]stamps.Stamp, 0, len(list)+len(live))
	c.ids = make(map[string]struct{}, len(list)+len(live))
	for _, st := range list {
		c.appendLocked(st)
	}
	for _, st := range live {
		c.appendLocked(st)
	}
	out := c.copyLocked()
	c.mu.Unlock()

	c.notify(out)
	return nil
}

// Close unsubscribes and discards the contents. An in-flight fetch is not
// cancelled but its result will be dropped.
func (c *Cache) Close() {
	c.mu.Lock()
	unsub := c.resetLocked()
	c.gen++
	c.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}

// Resync re-fetches the open video and merges stamps not yet present, then
// re-sorts everything by time. Ties keep their current relative order.
func (c *Cache) Resync(ctx context.Context) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrStale
	}
	gen, videoID := c.gen, c.videoID
	c.mu.Unlock()

	list, err := c.fetcher.FetchStamps(ctx, videoID)
	if err != nil {
		return fmt.Errorf("resync %s: %w", videoID, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrStale
	}
	added := 0
	for _, st := range list {
		if c.appendLocked(st) {
			added++
		}
	}
	sort.SliceStable(c.items, func(i, j int) bool { return c.items[i].Time < c.items[j].Time })
	out := c.copyLocked()
	c.mu.Unlock()

	c.opts.Logger.Debug("cache resynced", slog.String("video_id", videoID), slog.Int("added", added))
	c.notify(out)
	return nil
}

// Stamps returns a copy of the contents.
func (c *Cache) Stamps() []stamps.Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

// VideoID returns the open video, or "" when closed.
func (c *Cache) VideoID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoID
}

func (c *Cache) onLive(st stamps.Stamp) {
	c.mu.Lock()
	if !c.open || st.VideoID != c.videoID || !c.appendLocked(st) {
		c.mu.Unlock()
		return
	}
	out := c.copyLocked()
	c.mu.Unlock()

	c.notify(out)
}

func (c *Cache) onReconnect() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ResyncTimeout)
		defer cancel()
		if err := c.Resync(ctx); err != nil && !errors.Is(err, ErrStale) {
			c.opts.Logger.Warn("resync after reconnect failed", slog.String("error", err.Error()))
		}
	}()
}

// appendLocked adds st unless its id is already present.
func (c *Cache) appendLocked(st stamps.Stamp) bool {
	if _, dup := c.ids[st.ID]; dup {
		return false
	}
	c.ids[st.ID] = struct{}{}
	c.items = append(c.items, st)
	return true
}

func (c *Cache) copyLocked() []stamps.Stamp {
	out := make([]stamps.Stamp, len(c.items))
	copy(out, c.items)
	return out
}

// resetLocked clears the state and returns the pending unsubscribe funcs.
func (c *Cache) resetLocked() []func() {
	unsub := c.unsub
	c.unsub = nil
	c.open = false
	c.videoID = ""
	c.items = nil
	c.ids = nil
	return unsub
}

func (c *Cache) notify(list []stamps.Stamp) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(list)
	}
}
