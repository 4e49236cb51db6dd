package backupset

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

var (
	// ErrInvalidSet is returned when a set definition fails validation.
	ErrInvalidSet = errors.New("invalid backup set")

	// ErrDuplicateName is returned by Create when the name is taken.
	ErrDuplicateName = errors.New("backup set name already exists")

	// ErrNotFound is returned when no set with the given name exists.
	ErrNotFound = errors.New("backup set not found")
)

// Schedule kinds.
const (
	ScheduleDisabled  = "disabled"
	ScheduleRunOnce   = "once"
	ScheduleRecurring = "recurring"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule describes when a set runs: never, once at a fixed time, or on a
// recurring cron expression.
type Schedule struct {
	Kind  string    `json:"kind"`
	RunAt time.Time `json:"run_at,omitempty"` // kind "once"
	Spec  string    `json:"spec,omitempty"`   // kind "recurring"
}

// Validate checks the schedule for consistency.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleDisabled:
		return nil
	case ScheduleRunOnce:
		if s.RunAt.IsZero() {
			return fmt.Errorf("%w: one-time schedule without a run time", ErrInvalidSet)
		}
		return nil
	case ScheduleRecurring:
		if _, err := cronParser.Parse(s.Spec); err != nil {
			return fmt.Errorf("%w: bad cron spec %q: %v", ErrInvalidSet, s.Spec, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidSet, s.Kind)
	}
}

// NextAfter returns the next due time strictly after t, or false when the
// schedule will never fire again.
func (s Schedule) NextAfter(t time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleRunOnce:
		return s.RunAt, true
	case ScheduleRecurring:
		parsed, err := cronParser.Parse(s.Spec)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.Next(t), true
	default:
		return time.Time{}, false
	}
}

// Retention limits how many archives a set keeps on its destination.
// Zero values mean unlimited.
type Retention struct {
	KeepLast int           `json:"keep_last,omitempty"`
	MaxAge   time.Duration `json:"max_age,omitempty"`
}

// BackupSet is a named, user-defined configuration of what to back up,
// where, and how often.
type BackupSet struct {
	Name        string         `json:"name"`
	Sources     []string       `json:"sources"`
	Destination storage.Config `json:"destination"`
	Schedule    Schedule       `json:"schedule"`
	Retention   Retention      `json:"retention"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the definition before it reaches the store.
func (b *BackupSet) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSet)
	}
	if len(b.Sources) == 0 {
		return fmt.Errorf("%w: no source paths", ErrInvalidSet)
	}
	for _, src := range b.Sources {
		if src == "" {
			return fmt.Errorf("%w: empty source path", ErrInvalidSet)
		}
	}
	if b.Destination.Type == "" {
		return fmt.Errorf("%w: no destination", ErrInvalidSet)
	}
	return b.Schedule.Validate()
}
