package stamps

import (
	"errors"
	"fmt"
)

var (
	// ErrTextRequired is wrapped by the ValidationError returned for empty
	// or whitespace-only comment text.
	ErrTextRequired = errors.New("text required")

	// ErrUnauthenticated is returned when a submission arrives on a
	// connection without a verified identity.
	ErrUnauthenticated = errors.New("authentication required")
)

// Messages sent to the submitter in stamp-error events.
const (
	msgCreateFailed = "failed to create stamp"
)

// ValidationError reports a user-correctable problem with a submission.
// Nothing is persisted or broadcast when it is returned.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a Store failure. The submission is lost; there
// is no retry queue.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ClientMessage maps a Submit error to the text sent back to the submitter.
// Validation and authentication problems are described; anything else is
// reported generically so storage details do not leak to clients.
func ClientMessage(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, ErrUnauthenticated):
		return ErrUnauthenticated.Error()
	default:
		return msgCreateFailed
	}
}

// rejectReason labels a Submit error for metrics.
func rejectReason(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "persistence"
	}
}
