package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stampcast/internal/stamps"
	"stampcast/internal/video"
)

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// API is the HTTP side of the server: stamp fetch and the video catalog.
type API struct {
	base *url.URL
	http *http.Client
}

// NewAPI returns an API for the server at baseURL (e.g.
// http://localhost:3000). A nil client uses a 10s-timeout default.
func NewAPI(baseURL string, hc *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: u, http: hc}, nil
}

// SocketURL returns the WebSocket endpoint matching the base URL.
func (a *API) SocketURL() string {
	u := *a.base
	u.Scheme = "ws"
	if a.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	return u.String()
}

// FetchStamps implements Fetcher with GET /api/stamps.
func (a *API) FetchStamps(ctx context.Context, videoID string) ([]stamps.Stamp, error) {
	q := url.Values{}
	if videoID != "" {
		q.Set("videoId", videoID)
	}
	var out []stamps.Stamp
	if err := a.get(ctx, "/api/stamps", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListVideos returns the catalog, newest first.
func (a *API) ListVideos(ctx context.Context) ([]video.Video, error) {
	var out []video.Video
	if err := a.get(ctx, "/api/videos", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVideo returns one catalog entry, or video.ErrNotFound.
func (a *API) GetVideo(ctx context.Context, id string) (video.Video, error) {
	var out video.Video
	err := a.get(ctx, "/api/videos/"+url.PathEscape(id), nil, &out)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return video.Video{}, fmt.Errorf("%s: %w", id, video.ErrNotFound)
	}
	if err != nil {
		return video.Video{}, err
	}
	return out, nil
}

func (a *API) get(ctx context.Context, path string, q url.Values, out any) error {
	u := *a.base
	u.Path += path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return &HTTPError{Status: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
