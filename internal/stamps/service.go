package stamps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"unicode/utf8"

	"stampcast/internal/identity"
	"stampcast/internal/platform/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Publisher fans an event out to every connected subscriber and returns the
// number of subscribers it was queued for. *realtime.Hub implements it.
type Publisher interface {
	Broadcast(event string, data any) int
}

// Service is the only mutation path for stamps: it validates submissions,
// persists them through the Store, and republishes them on the Publisher.
type Service struct {
	store     Store
	publisher Publisher
	validate  *validator.Validate
	log       *slog.Logger
	metrics   *metrics.Metrics

	// publishMu serializes insert-then-broadcast so subscribers see
	// stamp-created events in insert order.
	publishMu sync.Mutex
}

// NewService returns a Service backed by store and publishing on pub.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewService(store Store, pub Publisher, log *slog.Logger, m *metrics.Metrics) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names ("videoId") rather than Go names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterValidation("maxtext", func(fl validator.FieldLevel) bool {
		return utf8.RuneCountInString(fl.Field().String()) <= MaxTextLength
	})
	return &Service{
		store:     store,
		publisher: pub,
		validate:  v,
		log:       log,
		metrics:   m,
	}
}

// Submit creates a stamp from sub on behalf of who and broadcasts it as
// stamp-created. The author is always who.Name; sub.Author is ignored.
//
// Errors:
//   - ErrUnauthenticated when who is the zero Identity;
//   - *ValidationError for blank text or invalid fields;
//   - *PersistenceError when the Store fails.
//
// Nothing is persisted or broadcast when an error is returned.
func (s *Service) Submit(ctx context.Context, sub Submission, who identity.Identity) (Stamp, error) {
	st, err := s.submit(ctx, sub, who)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncStampsRejected(rejectReason(err))
		}
		return Stamp{}, err
	}
	if s.metrics != nil {
		s.metrics.IncStampsCreated()
	}
	return st, nil
}

func (s *Service) submit(ctx context.Context, sub Submission, who identity.Identity) (Stamp, error) {
	if who.IsZero() {
		return Stamp{}, ErrUnauthenticated
	}

	// VideoID is an opaque key and is stored exactly as submitted.
	sub.Text = strings.TrimSpace(sub.Text)
	if sub.Text == "" {
		return Stamp{}, &ValidationError{Field: "text", Err: ErrTextRequired}
	}
	if err := s.validate.Struct(sub); err != nil {
		return Stamp{}, validationError(err)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	st, err := s.store.Insert(ctx, NewStamp{
		VideoID: sub.VideoID,
		Time:    sub.Time,
		Text:    sub.Text,
		Author:  who.Name,
	})
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return Stamp{}, err
		}
		var pe *PersistenceError
		if !errors.As(err, &pe) {
			err = &PersistenceError{Op: "insert stamp", Err: err}
		}
		s.log.Error("create stamp failed",
			slog.String("video_id", sub.VideoID),
			slog.String("user_id", who.ID),
			slog.String("error", err.Error()))
		return Stamp{}, err
	}

	n := s.publisher.Broadcast(EventStampCreated, st)
	if s.metrics != nil {
		s.metrics.AddBroadcasts(n)
	}
	s.log.Info("stamp created",
		slog.String("stamp_id", st.ID),
		slog.String("video_id", st.VideoID),
		slog.Float64("time", st.Time),
		slog.Int("subscribers", n))

	return st, nil
}

// Fetch returns the stamps of videoID in time order. An empty videoID means
// DefaultVideoID.
func (s *Service) Fetch(ctx context.Context, videoID string) ([]Stamp, error) {
	if videoID == "" {
		videoID = DefaultVideoID
	}
	return s.store.ListByVideo(ctx, videoID)
}

// validationError converts validator output into a *ValidationError naming
// the first failing field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Err: err}
	}
	fe := fieldErrs[0]
	msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
	}
	return &ValidationError{Field: fe.Field(), Err: errors.New(msg)}
}
