package stamps

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"stampcast/internal/identity"
	"stampcast/internal/platform/metrics"
	"stampcast/internal/realtime"
)

// Handler exposes the stamp HTTP endpoint.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// ListStamps handles GET /api/stamps?videoId=<id>. A missing videoId means
// DefaultVideoID. The body is always a JSON array, empty for unknown videos.
func (h *Handler) ListStamps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	videoID := r.URL.Query().Get("videoId")
	list, err := h.svc.Fetch(r.Context(), videoID)
	if err != nil {
		h.log.Error("fetch stamps failed",
			slog.String("video_id", videoID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch stamps"})
		return
	}
	if list == nil {
		list = []Stamp{}
	}
	writeJSON(w, http.StatusOK, list)
}

// SocketHandler routes realtime events of the stamp protocol to the Service.
// It implements realtime.Dispatcher.
type SocketHandler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSocketHandler returns a dispatcher for new-stamp events.
func NewSocketHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *SocketHandler {
	return &SocketHandler{svc: svc, log: log, metrics: m}
}

// Dispatch implements realtime.Dispatcher. Success is signalled by the
// stamp-created broadcast, which reaches the submitter like every other
// subscriber; failures are sent to the submitter alone as stamp-error.
func (s *SocketHandler) Dispatch(ctx context.Context, c *realtime.Conn, event string, data json.RawMessage) {
	switch event {
	case EventNewStamp:
		var sub Submission
		if err := json.Unmarshal(data, &sub); err != nil {
			s.log.Debug("malformed new-stamp payload",
				slog.String("conn_id", c.ID()),
				slog.String("error", err.Error()))
			if s.metrics != nil {
				s.metrics.IncStampsRejected("malformed")
			}
			c.Send(EventStampError, ErrorPayload{Message: "malformed stamp payload"})
			return
		}

		if _, err := s.svc.Submit(ctx, sub, identity.FromContext(ctx)); err != nil {
			s.log.Info("stamp rejected",
				slog.String("conn_id", c.ID()),
				slog.String("video_id", sub.VideoID),
				slog.String("error", err.Error()))
			c.Send(EventStampError, ErrorPayload{Message: ClientMessage(err)})
		}
	default:
		s.log.Debug("unknown event", slog.String("conn_id", c.ID()), slog.String("event", event))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
