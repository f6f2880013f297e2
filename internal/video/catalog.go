// Package video is the read-only video catalog: the metadata viewers browse
// before opening a video's stamp feed. Uploading and transcoding happen
// elsewhere; the catalog is seeded from a YAML file at startup.
package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Catalog.Get for unknown ids.
var ErrNotFound = errors.New("video not found")

// Video is the catalog entry for one playable video.
type Video struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	URL         string    `json:"url" yaml:"url"`
	Thumbnail   string    `json:"thumbnail" yaml:"thumbnail"`
	Duration    float64   `json:"duration" yaml:"duration"` // seconds; 0 when unknown
	FileSize    int64     `json:"fileSize,omitempty" yaml:"fileSize"`
	Author      string    `json:"author" yaml:"author"`
	UserID      string    `json:"userId,omitempty" yaml:"userId"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
}

// Catalog lists and looks up videos.
type Catalog interface {
	// List returns every video, newest first.
	List(ctx context.Context) ([]Video, error)
	// Get returns the video with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (Video, error)
}

// InMemoryCatalog is a Catalog held in memory.
type InMemoryCatalog struct {
	mu     sync.RWMutex
	videos map[string]Video
}

// NewInMemoryCatalog returns a catalog holding the given videos. Later
// entries replace earlier ones with the same id.
func NewInMemoryCatalog(videos ...Video) *InMemoryCatalog {
	c := &InMemoryCatalog{videos: make(map[string]Video, len(videos))}
	for _, v := range videos {
		c.videos[v.ID] = v
	}
	return c
}

// Put adds or replaces a video.
func (c *InMemoryCatalog) Put(v Video) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videos[v.ID] = v
}

// List implements Catalog.List. Ties on CreatedAt are broken by id so the
// order is stable.
func (c *InMemoryCatalog) List(_ context.Context) ([]Video, error) {
	c.mu.RLock()
	out := make([]Video, 0, len(c.videos))
	for _, v := range c.videos {
		out = append(out, v)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get implements Catalog.Get.
func (c *InMemoryCatalog) Get(_ context.Context, id string) (Video, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.videos[id]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

// catalogFile is the layout of a catalog seed file:
//
//	videos:
//	  - id: sample
//	    title: Big Buck Bunny
//	    duration: 596.5
type catalogFile struct {
	Videos []Video `yaml:"videos"`
}

// LoadCatalogFile reads a YAML seed file into a new InMemoryCatalog.
func LoadCatalogFile(path string) (*InMemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes YAML catalog data. Every entry needs an id and a
// title; duplicate ids are an error.
func ParseCatalog(data []byte) (*InMemoryCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := NewInMemoryCatalog()
	for i, v := range f.Videos {
		v.ID = strings.TrimSpace(v.ID)
		if v.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: id is required", i)
		}
		if strings.TrimSpace(v.Title) == "" {
			return nil, fmt.Errorf("catalog entry %q: title is required", v.ID)
		}
		if v.Duration < 0 {
			return nil, fmt.Errorf("catalog entry %q: negative duration", v.ID)
		}
		if _, dup := c.videos[v.ID]; dup {
			return nil, fmt.Errorf("catalog entry %q: duplicate id", v.ID)
		}
		c.Put(v)
	}
	return c, nil
}
