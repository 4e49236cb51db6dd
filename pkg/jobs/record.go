package jobs

import (
	"time"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

// Job kinds.
const (
	KindBackup  = "backup"
	KindRestore = "restore"
)

// Outcomes. OutcomeRunning is transient; a finalized record carries one of
// the other three and never changes again.
const (
	OutcomeRunning        = "running"
	OutcomeSuccess        = "success"
	OutcomePartialFailure = "partial_failure"
	OutcomeFatal          = "fatal"
)

// CancelledReason marks paths skipped because the job was cancelled before
// reaching them.
const CancelledReason = "cancelled"

// PathFailure records one source path (or manifest entry) that could not be
// transferred, with the reason.
type PathFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Record is one execution instance of a backup or restore.
//
// The set reference is weak: the set may be deleted later, so the record
// snapshots the sources and destination it ran with for audit.
type Record struct {
	ID          int64          `json:"id"`
	Kind        string         `json:"kind"`
	SetName     string         `json:"set_name"`
	Sources     []string       `json:"sources"`
	Destination storage.Config `json:"destination"`
	ArchiveName string         `json:"archive_name,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Outcome     string        `json:"outcome"`
	FatalReason string        `json:"fatal_reason,omitempty"`
	Failures    []PathFailure `json:"failures,omitempty"`

	BytesTransferred int64 `json:"bytes_transferred"`
	FilesTransferred int64 `json:"files_transferred"`
}

// Finalized reports whether the record has settled into a terminal outcome.
func (r *Record) Finalized() bool {
	return r.Outcome != "" && r.Outcome != OutcomeRunning
}

// LogLine is one live log line emitted during a running job.
type LogLine struct {
	JobID    int64     `json:"job_id"`
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"` // "info", "warn" or "error"
	Text     string    `json:"text"`
}

// Filter narrows a registry query. Zero fields match everything.
type Filter struct {
	SetName string
	Since   time.Time
	Until   time.Time
	Outcome string
}
