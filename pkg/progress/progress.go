package progress

import (
	"sync"
	"time"
)

// DefaultInterval is the report rate frontends can comfortably render.
const DefaultInterval = 500 * time.Millisecond

// Stat accumulates transfer counters for one job.
type Stat struct {
	Files  int64
	Bytes  int64
	Errors int64
}

func (s Stat) add(o Stat) Stat {
	return Stat{Files: s.Files + o.Files, Bytes: s.Bytes + o.Bytes, Errors: s.Errors + o.Errors}
}

// ReportFunc receives coalesced progress. final is true exactly once, for the
// closing report emitted by Stop.
type ReportFunc func(s Stat, final bool)

// Reporter coalesces high-frequency per-file updates into rate-limited
// reports, so a job touching thousands of small files does not flood the
// event bus. Reports are emitted inline from Add, preserving ordering with
// whatever the caller publishes around them.
type Reporter struct {
	interval time.Duration
	onReport ReportFunc

	mu       sync.Mutex
	stat     Stat
	reported Stat
	last     time.Time
	stopped  bool
}

// NewReporter creates a reporter calling onReport at most once per interval.
// A zero interval reports on every Add.
func NewReporter(interval time.Duration, onReport ReportFunc) *Reporter {
	return &Reporter{interval: interval, onReport: onReport}
}

// Add accumulates delta and emits a report when the interval has elapsed.
func (r *Reporter) Add(delta Stat) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stat = r.stat.add(delta)
	now := time.Now()
	if now.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = now
	r.reported = r.stat
	stat := r.stat
	r.mu.Unlock()

	if r.onReport != nil {
		r.onReport(stat, false)
	}
}

// Stat returns the counters accumulated so far.
func (r *Reporter) Stat() Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stat
}

// Stop emits the closing report, if anything changed since the last one, and
// returns the final counters. Further Adds are ignored.
func (r *Reporter) Stop() Stat {
	r.mu.Lock()
	if r.stopped {
		stat := r.stat
		r.mu.Unlock()
		return stat
	}
	r.stopped = true
	stat := r.stat
	pending := stat != r.reported
	r.mu.Unlock()

	if pending && r.onReport != nil {
		r.onReport(stat, true)
	}
	return stat
}
