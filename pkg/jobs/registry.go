package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

var (
	// ErrNotFound is returned when no job with the given id exists.
	ErrNotFound = errors.New("job not found")

	// ErrFinalized is returned on attempts to modify a settled record.
	ErrFinalized = errors.New("job record already finalized")
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	kind              TEXT NOT NULL,
	set_name          TEXT NOT NULL,
	sources           TEXT NOT NULL,
	destination       TEXT NOT NULL,
	archive_name      TEXT NOT NULL DEFAULT '',
	started_at        INTEGER NOT NULL,
	finished_at       INTEGER,
	outcome           TEXT NOT NULL,
	fatal_reason      TEXT NOT NULL DEFAULT '',
	failures          TEXT NOT NULL DEFAULT '[]',
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	files_transferred INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_set_name ON jobs (set_name);

CREATE TABLE IF NOT EXISTS job_logs (
	job_id   INTEGER NOT NULL,
	at       INTEGER NOT NULL,
	severity TEXT NOT NULL,
	text     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS job_logs_job_id ON job_logs (job_id);
`

// Registry is the append-only store of job records plus the live log tail
// for running jobs.
//
// Log lines for a running job accumulate in memory; Finalize seals them into
// the database alongside the finished record.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger

	mu   sync.RWMutex
	live map[int64][]LogLine
}

// OpenRegistry opens (and if needed creates) the job database at path.
func OpenRegistry(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = l
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open job registry: %w", err)
	}
	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("job registry schema: %w", err)
	}

	return &Registry{db: db, logger: logger, live: make(map[int64][]LogLine)}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Start creates a running record and assigns its monotonic id.
func (r *Registry) Start(kind, setName string, sources []string, dest storage.Config) (*Record, error) {
	rec := &Record{
		Kind:        kind,
		SetName:     setName,
		Sources:     sources,
		Destination: dest,
		StartedAt:   time.Now(),
		Outcome:     OutcomeRunning,
	}

	res, err := r.db.Exec(`
		INSERT INTO jobs (kind, set_name, sources, destination, started_at, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.SetName, mustJSON(rec.Sources), mustJSON(rec.Destination),
		rec.StartedAt.Unix(), rec.Outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.live[rec.ID] = nil
	r.mu.Unlock()

	return rec, nil
}

// Finalize seals the record and its accumulated log lines. A finalized
// record is immutable; a second call fails with ErrFinalized.
func (r *Registry) Finalize(rec *Record) error {
	if !rec.Finalized() {
		return fmt.Errorf("finalize job %d: outcome %q is not terminal", rec.ID, rec.Outcome)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	res, err := r.db.Exec(`
		UPDATE jobs SET
			archive_name = ?, finished_at = ?, outcome = ?, fatal_reason = ?,
			failures = ?, bytes_transferred = ?, files_transferred = ?
		WHERE id = ? AND outcome = ?`,
		rec.ArchiveName, rec.FinishedAt.Unix(), rec.Outcome, rec.FatalReason,
		mustJSON(rec.Failures), rec.BytesTransferred, rec.FilesTransferred,
		rec.ID, OutcomeRunning,
	)
	if err != nil {
		return fmt.Errorf("finalize job %d: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %d", ErrFinalized, rec.ID)
	}

	r.sealLog(rec.ID)
	return nil
}

// AppendLog adds a live log line to a running job's tail.
func (r *Registry) AppendLog(jobID int64, severity, text string) {
	line := LogLine{JobID: jobID, Time: time.Now(), Severity: severity, Text: text}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[jobID]; !ok {
		// Job already sealed; a straggler line is dropped rather than
		// mutating a finished log.
		return
	}
	r.live[jobID] = append(r.live[jobID], line)
}

func (r *Registry) sealLog(jobID int64) {
	r.mu.Lock()
	lines := r.live[jobID]
	delete(r.live, jobID)
	r.mu.Unlock()

	for _, line := range lines {
		if _, err := r.db.Exec(
			`INSERT INTO job_logs (job_id, at, severity, text) VALUES (?, ?, ?, ?)`,
			line.JobID, line.Time.Unix(), line.Severity, line.Text,
		); err != nil {
			r.logger.Warn("failed to seal job log line", zap.Int64("job_id", jobID), zap.Error(err))
		}
	}
}

// Log returns the log lines for a job: the live tail while it runs, the
// sealed lines after it finalizes.
func (r *Registry) Log(jobID int64) ([]LogLine, error) {
	r.mu.RLock()
	if lines, ok := r.live[jobID]; ok {
		out := make([]LogLine, len(lines))
		copy(out, lines)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	rows, err := r.db.Query(
		`SELECT job_id, at, severity, text FROM job_logs WHERE job_id = ? ORDER BY rowid ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var line LogLine
		var at int64
		if err := rows.Scan(&line.JobID, &at, &line.Severity, &line.Text); err != nil {
			return nil, err
		}
		line.Time = time.Unix(at, 0)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Get returns one record by id.
func (r *Registry) Get(jobID int64) (*Record, error) {
	row := r.db.QueryRow(selectJob+` WHERE id = ?`, jobID)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, jobID)
	}
	return rec, err
}

// Query returns records matching the filter, newest first. Reads are
// snapshots; concurrent writers never block them.
func (r *Registry) Query(f Filter) ([]*Record, error) {
	query := selectJob + ` WHERE 1=1`
	var args []interface{}
	if f.SetName != "" {
		query += ` AND set_name = ?`
		args = append(args, f.SetName)
	}
	if !f.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		query += ` AND started_at <= ?`
		args = append(args, f.Until.Unix())
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	query += ` ORDER BY id DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PurgeFinishedBefore drops finalized records (and their logs) that finished
// before cutoff. Backs the UI's clear-log action.
func (r *Registry) PurgeFinishedBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM job_logs WHERE job_id IN
			(SELECT id FROM jobs WHERE outcome != ? AND finished_at < ?)`,
		OutcomeRunning, cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	res, err = r.db.Exec(
		`DELETE FROM jobs WHERE outcome != ? AND finished_at < ?`,
		OutcomeRunning, cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectJob = `
	SELECT id, kind, set_name, sources, destination, archive_name, started_at,
	       finished_at, outcome, fatal_reason, failures, bytes_transferred, files_transferred
	FROM jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Record, error) {
	var (
		rec          Record
		sourcesJSON  string
		destJSON     string
		finishedAt   sql.NullInt64
		failuresJSON string
		startedAt    int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Kind, &rec.SetName, &sourcesJSON, &destJSON, &rec.ArchiveName,
		&startedAt, &finishedAt, &rec.Outcome, &rec.FatalReason, &failuresJSON,
		&rec.BytesTransferred, &rec.FilesTransferred,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sourcesJSON), &rec.Sources); err != nil {
		return nil, fmt.Errorf("corrupt sources for job %d: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(destJSON), &rec.Destination); err != nil {
		return nil, fmt.Errorf("corrupt destination for job %d: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(failuresJSON), &rec.Failures); err != nil {
		return nil, fmt.Errorf("corrupt failures for job %d: %w", rec.ID, err)
	}
	rec.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		rec.FinishedAt = time.Unix(finishedAt.Int64, 0)
	}
	return &rec, nil
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
