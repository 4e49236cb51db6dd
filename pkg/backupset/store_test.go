package backupset

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "sets.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSet(name string) *BackupSet {
	return &BackupSet{
		Name:        name,
		Sources:     []string{"/home/user/documents", "/etc"},
		Destination: storage.Config{Type: "local", Path: "/var/backups"},
		Schedule:    Schedule{Kind: ScheduleDisabled},
		Retention:   Retention{KeepLast: 3},
		Enabled:     true,
	}
}

func TestStoreCreateAndList(t *testing.T) {
	s := newTestStore(t)

	set := testSet("nightly")
	require.NoError(t, s.Create(set))

	sets, err := s.List()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "nightly", sets[0].Name)
	assert.Equal(t, []string{"/home/user/documents", "/etc"}, sets[0].Sources)
	assert.Equal(t, "local", sets[0].Destination.Type)
	assert.Equal(t, 3, sets[0].Retention.KeepLast)
	assert.True(t, sets[0].Enabled)
}

func TestStoreCreateDuplicate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Create(testSet("nightly")))

	dup := testSet("nightly")
	dup.Sources = []string{"/other"}
	err := s.Create(dup)
	require.ErrorIs(t, err, ErrDuplicateName)

	// The losing create must not have mutated the store.
	got, err := s.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/user/documents", "/etc"}, got.Sources)
}

func TestStoreValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name   string
		mutate func(*BackupSet)
	}{
		{"empty name", func(b *BackupSet) { b.Name = "" }},
		{"no sources", func(b *BackupSet) { b.Sources = nil }},
		{"empty source", func(b *BackupSet) { b.Sources = []string{""} }},
		{"no destination", func(b *BackupSet) { b.Destination = storage.Config{} }},
		{"bad cron spec", func(b *BackupSet) {
			b.Schedule = Schedule{Kind: ScheduleRecurring, Spec: "not a cron spec"}
		}},
		{"once without time", func(b *BackupSet) { b.Schedule = Schedule{Kind: ScheduleRunOnce} }},
		{"unknown kind", func(b *BackupSet) { b.Schedule = Schedule{Kind: "hourly"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set := testSet("bad")
			tc.mutate(set)
			err := s.Create(set)
			assert.True(t, errors.Is(err, ErrInvalidSet), "got %v", err)
		})
	}

	sets, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, sets, "rejected sets must never reach the store")
}

func TestStoreUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Create(testSet("nightly")))

	updated := testSet("nightly")
	updated.Retention.KeepLast = 7
	require.NoError(t, s.Update("nightly", updated))

	got, err := s.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Retention.KeepLast)

	require.ErrorIs(t, s.Update("missing", testSet("missing")), ErrNotFound)

	require.NoError(t, s.Delete("nightly"))
	_, err = s.Get("nightly")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete("nightly"), ErrNotFound)
}

func TestStoreListDueOrdering(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		set := testSet(name)
		set.Schedule = Schedule{Kind: ScheduleRunOnce, RunAt: past}
		require.NoError(t, s.Create(set))
	}

	due, err := s.ListDue(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "alpha", due[0].Name)
	assert.Equal(t, "mid", due[1].Name)
	assert.Equal(t, "zeta", due[2].Name)
}

func TestStoreListDueSkipsDisabledAndFuture(t *testing.T) {
	s := newTestStore(t)

	disabled := testSet("disabled")
	disabled.Schedule = Schedule{Kind: ScheduleRunOnce, RunAt: time.Now().Add(-time.Hour)}
	disabled.Enabled = false
	require.NoError(t, s.Create(disabled))

	future := testSet("future")
	future.Schedule = Schedule{Kind: ScheduleRunOnce, RunAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Create(future))

	due, err := s.ListDue(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStoreConsumeRunOnce(t *testing.T) {
	s := newTestStore(t)

	set := testSet("once")
	set.Schedule = Schedule{Kind: ScheduleRunOnce, RunAt: time.Now().Add(-time.Minute)}
	require.NoError(t, s.Create(set))

	consumed, err := s.ConsumeRunOnce("once")
	require.NoError(t, err)
	assert.True(t, consumed)

	// Second consumption (duplicate tick, crash replay) must lose.
	consumed, err = s.ConsumeRunOnce("once")
	require.NoError(t, err)
	assert.False(t, consumed)

	got, err := s.Get("once")
	require.NoError(t, err)
	assert.Equal(t, ScheduleDisabled, got.Schedule.Kind)

	due, err := s.ListDue(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStoreNextRunAdvances(t *testing.T) {
	s := newTestStore(t)

	set := testSet("recurring")
	set.Schedule = Schedule{Kind: ScheduleRecurring, Spec: "@every 1m"}
	require.NoError(t, s.Create(set))

	// Newly created recurring sets are due in the future, not immediately.
	due, err := s.ListDue(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDue(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.StoreNextRun("recurring", time.Now().Add(time.Hour)))
	due, err = s.ListDue(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStoreExportImport(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(testSet("one")))
	require.NoError(t, s.Create(testSet("two")))

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))

	other := newTestStore(t)
	require.NoError(t, other.Create(testSet("one"))) // pre-existing, must be skipped

	n, err := other.Import(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sets, err := other.List()
	require.NoError(t, err)
	assert.Len(t, sets, 2)
}

func TestScheduleNextAfter(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	next, ok := Schedule{Kind: ScheduleRecurring, Spec: "0 3 * * *"}.NextAfter(base)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC), next)

	runAt := base.Add(time.Hour)
	next, ok = Schedule{Kind: ScheduleRunOnce, RunAt: runAt}.NextAfter(base)
	require.True(t, ok)
	assert.Equal(t, runAt, next)

	_, ok = Schedule{Kind: ScheduleDisabled}.NextAfter(base)
	assert.False(t, ok)
}
