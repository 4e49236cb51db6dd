package backupset

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

const setSchema = `
CREATE TABLE IF NOT EXISTS backup_sets (
	name                  TEXT PRIMARY KEY,
	sources               TEXT NOT NULL,
	destination           TEXT NOT NULL,
	schedule_kind         TEXT NOT NULL,
	schedule_run_at       INTEGER,
	schedule_spec         TEXT,
	retention_keep_last   INTEGER NOT NULL DEFAULT 0,
	retention_max_age_sec INTEGER NOT NULL DEFAULT 0,
	enabled               INTEGER NOT NULL DEFAULT 1,
	next_run              INTEGER,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);
`

// Store is the durable home of backup-set definitions.
//
// All operations are atomic with respect to concurrent readers; readers never
// observe a half-written set.
type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	changed chan struct{}
}

// OpenStore opens (and if needed creates) the set database at path.
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = l
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open set store: %w", err)
	}
	if _, err := db.Exec(setSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("set store schema: %w", err)
	}

	return &Store{db: db, logger: logger, changed: make(chan struct{}, 1)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Changed returns a channel that receives a signal whenever a definition is
// created, updated or deleted. Used by the scheduler to re-evaluate due times
// without waiting for the next tick.
func (s *Store) Changed() <-chan struct{} { return s.changed }

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Create stores a new set definition.
func (s *Store) Create(set *BackupSet) error {
	if err := set.Validate(); err != nil {
		return err
	}

	now := time.Now()
	set.CreatedAt = now
	set.UpdatedAt = now
	nextRun := initialNextRun(set, now)

	res, err := s.db.Exec(`
		INSERT INTO backup_sets
		(name, sources, destination, schedule_kind, schedule_run_at, schedule_spec,
		 retention_keep_last, retention_max_age_sec, enabled, next_run, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM backup_sets WHERE name = ?)`,
		set.Name, mustJSON(set.Sources), mustJSON(set.Destination),
		set.Schedule.Kind, unixOrNull(set.Schedule.RunAt), set.Schedule.Spec,
		set.Retention.KeepLast, int64(set.Retention.MaxAge.Seconds()),
		boolToInt(set.Enabled), nextRun, now.Unix(), now.Unix(),
		set.Name,
	)
	if err != nil {
		return fmt.Errorf("create set %q: %w", set.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateName, set.Name)
	}

	s.logger.Info("backup set created", zap.String("set", set.Name))
	s.notify()
	return nil
}

// Update replaces the definition stored under name.
func (s *Store) Update(name string, set *BackupSet) error {
	if err := set.Validate(); err != nil {
		return err
	}

	now := time.Now()
	set.UpdatedAt = now
	nextRun := initialNextRun(set, now)

	res, err := s.db.Exec(`
		UPDATE backup_sets SET
			sources = ?, destination = ?, schedule_kind = ?, schedule_run_at = ?,
			schedule_spec = ?, retention_keep_last = ?, retention_max_age_sec = ?,
			enabled = ?, next_run = ?, updated_at = ?
		WHERE name = ?`,
		mustJSON(set.Sources), mustJSON(set.Destination),
		set.Schedule.Kind, unixOrNull(set.Schedule.RunAt), set.Schedule.Spec,
		set.Retention.KeepLast, int64(set.Retention.MaxAge.Seconds()),
		boolToInt(set.Enabled), nextRun, now.Unix(),
		name,
	)
	if err != nil {
		return fmt.Errorf("update set %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	s.notify()
	return nil
}

// Delete removes the set. Pending schedules die with it; job records for past
// runs are kept by the registry.
func (s *Store) Delete(name string) error {
	res, err := s.db.Exec(`DELETE FROM backup_sets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete set %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	s.logger.Info("backup set deleted", zap.String("set", name))
	s.notify()
	return nil
}

// SetEnabled flips the enabled flag without touching the rest of the definition.
func (s *Store) SetEnabled(name string, enabled bool) error {
	res, err := s.db.Exec(
		`UPDATE backup_sets SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolToInt(enabled), time.Now().Unix(), name,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.notify()
	return nil
}

// Get returns the set stored under name.
func (s *Store) Get(name string) (*BackupSet, error) {
	row := s.db.QueryRow(selectColumns+` WHERE name = ?`, name)
	set, err := scanSet(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return set, err
}

// List returns all sets ordered by name.
func (s *Store) List() ([]*BackupSet, error) {
	rows, err := s.db.Query(selectColumns + ` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*BackupSet
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

// ListDue returns enabled sets whose next due time has passed, ordered by
// name ascending so simultaneous firings dispatch deterministically.
func (s *Store) ListDue(now time.Time) ([]*BackupSet, error) {
	rows, err := s.db.Query(selectColumns+`
		WHERE enabled = 1 AND schedule_kind != ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY name ASC`,
		ScheduleDisabled, now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*BackupSet
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

// ConsumeRunOnce atomically disables a one-time schedule. It reports whether
// this call actually consumed it; a second tick or a crash replay gets false
// and must not dispatch.
func (s *Store) ConsumeRunOnce(name string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE backup_sets
		SET schedule_kind = ?, schedule_run_at = NULL, next_run = NULL, updated_at = ?
		WHERE name = ? AND schedule_kind = ?`,
		ScheduleDisabled, time.Now().Unix(), name, ScheduleRunOnce,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// StoreNextRun records the next due time for a recurring set. Written before
// dispatch so a crash mid-run cannot re-fire the same slot.
func (s *Store) StoreNextRun(name string, next time.Time) error {
	_, err := s.db.Exec(
		`UPDATE backup_sets SET next_run = ? WHERE name = ? AND schedule_kind = ?`,
		next.Unix(), name, ScheduleRecurring,
	)
	return err
}

// Export writes all definitions as JSON, the format the UI's export-sets
// dialog produces.
func (s *Store) Export(w io.Writer) error {
	sets, err := s.List()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sets)
}

// Import creates every definition read from r, skipping duplicates.
func (s *Store) Import(r io.Reader) (int, error) {
	var sets []*BackupSet
	if err := json.NewDecoder(r).Decode(&sets); err != nil {
		return 0, fmt.Errorf("decode sets: %w", err)
	}
	imported := 0
	for _, set := range sets {
		if err := s.Create(set); err != nil {
			s.logger.Warn("skipping set on import", zap.String("set", set.Name), zap.Error(err))
			continue
		}
		imported++
	}
	return imported, nil
}

const selectColumns = `
	SELECT name, sources, destination, schedule_kind, schedule_run_at, schedule_spec,
	       retention_keep_last, retention_max_age_sec, enabled, created_at, updated_at
	FROM backup_sets`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSet(row rowScanner) (*BackupSet, error) {
	var (
		set         BackupSet
		sourcesJSON string
		destJSON    string
		runAt       sql.NullInt64
		spec        sql.NullString
		maxAgeSec   int64
		enabled     int
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&set.Name, &sourcesJSON, &destJSON, &set.Schedule.Kind, &runAt, &spec,
		&set.Retention.KeepLast, &maxAgeSec, &enabled, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sourcesJSON), &set.Sources); err != nil {
		return nil, fmt.Errorf("corrupt sources for set %q: %w", set.Name, err)
	}
	var dest storage.Config
	if err := json.Unmarshal([]byte(destJSON), &dest); err != nil {
		return nil, fmt.Errorf("corrupt destination for set %q: %w", set.Name, err)
	}
	set.Destination = dest
	if runAt.Valid {
		set.Schedule.RunAt = time.Unix(runAt.Int64, 0)
	}
	if spec.Valid {
		set.Schedule.Spec = spec.String
	}
	set.Retention.MaxAge = time.Duration(maxAgeSec) * time.Second
	set.Enabled = enabled != 0
	set.CreatedAt = time.Unix(createdAt, 0)
	set.UpdatedAt = time.Unix(updatedAt, 0)
	return &set, nil
}

func initialNextRun(set *BackupSet, now time.Time) interface{} {
	if !set.Enabled {
		return nil
	}
	switch set.Schedule.Kind {
	case ScheduleRunOnce:
		return set.Schedule.RunAt.Unix()
	case ScheduleRecurring:
		if next, ok := set.Schedule.NextAfter(now); ok {
			return next.Unix()
		}
	}
	return nil
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func unixOrNull(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
