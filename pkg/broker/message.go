package broker

import (
	"errors"
	"time"

	"github.com/fwbackups/fwbackupd/pkg/jobs"
)

// TopicEvents is the topic all engine status events publish to.
const TopicEvents = "events"

// Event types.
const (
	JobStarted         = "job_started"
	JobProgress        = "job_progress"
	JobFinished        = "job_finished"
	SetScheduleChanged = "set_schedule_changed"
)

// ErrUnknownEventType is raised when receiving an unhandled event type.
var ErrUnknownEventType = errors.New("unknown event type")

// Message is the event payload format.
//
// For a single job, messages are published in program order: one JobStarted,
// then any number of JobProgress, then exactly one JobFinished carrying the
// finalized record.
type Message struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`

	SetName string `json:"set_name,omitempty"`
	JobID   int64  `json:"job_id,omitempty"`
	JobKind string `json:"job_kind,omitempty"`

	// For job_progress.
	Path       string `json:"path,omitempty"`
	BytesSoFar int64  `json:"bytes_so_far,omitempty"`

	// For job_finished.
	Record *jobs.Record `json:"record,omitempty"`
}
