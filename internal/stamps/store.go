package stamps

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence abstraction for stamps.
// Implementations can be in-memory or SQL-backed; the Service does not need
// to know which one is used.
type Store interface {
	// ListByVideo returns every stamp of videoID ordered by Time ascending,
	// ties broken by insertion order. An unknown video yields an empty
	// slice and no error.
	ListByVideo(ctx context.Context, videoID string) ([]Stamp, error)

	// Insert persists a new stamp, assigning ID and CreatedAt. Backend
	// failures are reported as *PersistenceError. Empty-after-trim text is
	// rejected with a *ValidationError even though the Service checks first.
	Insert(ctx context.Context, ns NewStamp) (Stamp, error)

	// Count returns the number of stamps stored for videoID.
	Count(ctx context.Context, videoID string) (int, error)
}

// storedStamp pairs a stamp with its insertion sequence for tie-breaking.
type storedStamp struct {
	seq   int64
	stamp Stamp
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
// Stamps are kept per video, sorted by (Time, seq) at insert time.
type InMemoryStore struct {
	mu     sync.RWMutex
	videos map[string][]storedStamp
	seq    int64

	now   func() time.Time
	newID func() string
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		videos: make(map[string][]storedStamp),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// ListByVideo implements Store.ListByVideo.
func (s *InMemoryStore) ListByVideo(_ context.Context, videoID string) ([]Stamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.videos[videoID]
	out := make([]Stamp, len(stored))
	for i, st := range stored {
		out[i] = st.stamp
	}
	return out, nil
}

// Insert implements Store.Insert.
func (s *InMemoryStore) Insert(_ context.Context, ns NewStamp) (Stamp, error) {
	text := strings.TrimSpace(ns.Text)
	if text == "" {
		return Stamp{}, &ValidationError{Field: "text", Err: ErrTextRequired}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	st := Stamp{
		ID:        s.newID(),
		VideoID:   ns.VideoID,
		Time:      ns.Time,
		Text:      text,
		Author:    ns.Author,
		CreatedAt: s.now().UTC(),
	}

	list := s.videos[ns.VideoID]
	// First index whose time is strictly greater keeps equal times in
	// insertion order.
	i := sort.Search(len(list), func(i int) bool { return list[i].stamp.Time > st.Time })
	list = append(list, storedStamp{})
	copy(list[i+1:], list[i:])
	list[i] = storedStamp{seq: s.seq, stamp: st}
	s.videos[ns.VideoID] = list

	return st, nil
}

// Count implements Store.Count.
func (s *InMemoryStore) Count(_ context.Context, videoID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.videos[videoID]), nil
}
