package stamps

import "time"

// DefaultVideoID is used by Fetch when the caller names no video.
const DefaultVideoID = "sample"

// MaxTextLength bounds the comment body, in runes after trimming. It is
// enforced through the "maxtext" validation tag on Submission.Text.
const MaxTextLength = 2000

// Realtime event names of the stamp protocol.
const (
	EventNewStamp     = "new-stamp"     // client -> server
	EventStampCreated = "stamp-created" // server -> every subscriber
	EventStampError   = "stamp-error"   // server -> submitter only
)

// Stamp is a comment anchored to a playback offset of a video.
// Every field is immutable once the Store has created it.
type Stamp struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"videoId"`
	Time      float64   `json:"time"` // seconds from the start of the video
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewStamp carries the caller-supplied fields of a stamp to Store.Insert.
type NewStamp struct {
	VideoID string
	Time    float64
	Text    string
	Author  string
}

// Submission is the payload of a new-stamp event. Author is accepted on the
// wire for compatibility but ignored: the Service attributes the stamp to
// the verified identity of the submitting connection.
type Submission struct {
	VideoID string  `json:"videoId" validate:"required,notblank,max=128"`
	Time    float64 `json:"time" validate:"gte=0"`
	Text    string  `json:"text" validate:"required,maxtext"`
	Author  string  `json:"author,omitempty" validate:"-"`
}

// ErrorPayload is the body of a stamp-error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
