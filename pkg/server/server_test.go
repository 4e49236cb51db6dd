package server

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker"
	"github.com/fwbackups/fwbackupd/pkg/broker/memory"
	"github.com/fwbackups/fwbackupd/pkg/engine"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/restore"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

type testServer struct {
	*Server
	store    *backupset.Store
	registry *jobs.Registry
	eng      *engine.Engine
	bus      *memory.Bus
}

func newTestServer(t *testing.T, engOpts ...engine.Option) *testServer {
	t.Helper()

	store, err := backupset.OpenStore(filepath.Join(t.TempDir(), "sets.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := jobs.OpenRegistry(filepath.Join(t.TempDir(), "jobs.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	bus, err := memory.NewBus(memory.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Disconnect() })

	engOpts = append([]engine.Option{engine.WithLogger(zap.NewNop())}, engOpts...)
	eng, err := engine.New(registry, bus, engOpts...)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	s, err := New(
		WithAddr(":0"),
		WithStore(store),
		WithRegistry(registry),
		WithEngine(eng),
		WithBus(bus),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	return &testServer{Server: s, store: store, registry: registry, eng: eng, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func testSet(t *testing.T, name string, sources ...string) backupset.BackupSet {
	t.Helper()
	if len(sources) == 0 {
		sources = []string{t.TempDir()}
	}
	return backupset.BackupSet{
		Name:        name,
		Sources:     sources,
		Destination: storage.Config{Type: "local", Path: t.TempDir()},
		Schedule:    backupset.Schedule{Kind: backupset.ScheduleDisabled},
		Enabled:     true,
	}
}

func TestSetCRUD(t *testing.T) {
	ts := newTestServer(t)
	set := testSet(t, "docs")

	w := ts.do(t, http.MethodPost, "/sets", set)
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/sets", set)
	assert.Equal(t, http.StatusConflict, w.Code)

	bad := set
	bad.Name = "nosources"
	bad.Sources = nil
	w = ts.do(t, http.MethodPost, "/sets", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/sets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sets []backupset.BackupSet
	decode(t, w, &sets)
	require.Len(t, sets, 1)
	assert.Equal(t, "docs", sets[0].Name)

	set.Sources = append(set.Sources, t.TempDir())
	w = ts.do(t, http.MethodPut, "/sets/docs", set)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/sets/docs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got backupset.BackupSet
	decode(t, w, &got)
	assert.Len(t, got.Sources, 2)

	w = ts.do(t, http.MethodPost, "/sets/docs/enabled", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/sets/docs", nil)
	decode(t, w, &got)
	assert.False(t, got.Enabled)

	w = ts.do(t, http.MethodDelete, "/sets/docs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/sets/docs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodDelete, "/sets/docs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleChangeEvents(t *testing.T) {
	ts := newTestServer(t)

	events := make(chan broker.Message, 32)
	require.NoError(t, ts.bus.Subscribe([]string{broker.TopicEvents}, func(ev broker.Event) error {
		var msg broker.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			return err
		}
		if msg.EventType == broker.SetScheduleChanged {
			events <- msg
		}
		return nil
	}))

	set := testSet(t, "docs")
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sets", set).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/sets/docs", set).Code)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/sets/docs/enabled", map[string]bool{"enabled": false}).Code)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/sets/docs", nil).Code)

	// Create, update, enable and delete each announce the change.
	for i := 0; i < 4; i++ {
		select {
		case msg := <-events:
			assert.Equal(t, "docs", msg.SetName)
			assert.NotEmpty(t, msg.EventID)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing schedule change event %d", i+1)
		}
	}

	// A rejected mutation announces nothing.
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/sets/docs", nil).Code)
	select {
	case msg := <-events:
		t.Fatalf("unexpected event %q for failed request", msg.EventType)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunSetAndJobEndpoints(t *testing.T) {
	ts := newTestServer(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	set := testSet(t, "docs", src)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sets", set).Code)

	w := ts.do(t, http.MethodPost, "/sets/docs/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var rec jobs.Record
	decode(t, w, &rec)
	require.NotZero(t, rec.ID)

	ts.eng.Wait()

	w = ts.do(t, http.MethodGet, "/jobs?set=docs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []jobs.Record
	decode(t, w, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, jobs.OutcomeSuccess, recs[0].Outcome)

	w = ts.do(t, http.MethodGet, "/jobs?outcome=fatal", nil)
	decode(t, w, &recs)
	assert.Empty(t, recs)

	w = ts.do(t, http.MethodGet, "/jobs/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/jobs/1/log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var lines []jobs.LogLine
	decode(t, w, &lines)
	assert.NotEmpty(t, lines)

	w = ts.do(t, http.MethodGet, "/jobs/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Finished jobs cannot be cancelled.
	w = ts.do(t, http.MethodPost, "/jobs/1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/sets/docs/archives", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var infos []archive.Info
	decode(t, w, &infos)
	require.Len(t, infos, 1)

	w = ts.do(t, http.MethodPost, "/jobs/purge", map[string]string{"before": time.Now().Add(time.Hour).Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, w.Code)
	var purged map[string]int64
	decode(t, w, &purged)
	assert.Equal(t, int64(1), purged["purged"])
}

// stuckPacker blocks Pack until its context is cancelled, keeping a job in
// the running state.
type stuckPacker struct{ started chan struct{} }

func (p *stuckPacker) Pack(ctx context.Context, source, blobName string, dest storage.Destination, onProgress archive.Progress) (*archive.Blob, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *stuckPacker) Unpack(ctx context.Context, blob archive.Blob, dest storage.Destination, apply func(*tar.Header, io.Reader) error) error {
	return nil
}

func TestRunSetConflictAndCancel(t *testing.T) {
	packer := &stuckPacker{started: make(chan struct{}, 1)}
	ts := newTestServer(t, engine.WithPacker(packer))

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sets", testSet(t, "docs")).Code)

	w := ts.do(t, http.MethodPost, "/sets/docs/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var rec jobs.Record
	decode(t, w, &rec)
	<-packer.started

	w = ts.do(t, http.MethodPost, "/sets/docs/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/jobs/"+strconv.FormatInt(rec.ID, 10)+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	ts.eng.Wait()

	got, err := ts.registry.Get(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Finalized())
}

func TestRestoreEndpoint(t *testing.T) {
	ts := newTestServer(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	set := testSet(t, "docs", src)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sets", set).Code)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/sets/docs/run", nil).Code)
	ts.eng.Wait()

	backup, err := ts.registry.Get(1)
	require.NoError(t, err)

	target := t.TempDir()
	w := ts.do(t, http.MethodPost, "/restore", restore.Request{
		ArchiveName: backup.ArchiveName,
		Destination: set.Destination,
		TargetDir:   target,
		Conflict:    restore.PolicySkip,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	ts.eng.Wait()

	data, err := os.ReadFile(filepath.Join(target, filepath.Base(src), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	// Unknown archive fails preflight synchronously.
	w = ts.do(t, http.MethodPost, "/restore", restore.Request{
		ArchiveName: "docs-19990101000000",
		Destination: set.Destination,
		TargetDir:   t.TempDir(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sets", testSet(t, "docs")).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sets", testSet(t, "photos")).Code)

	w := ts.do(t, http.MethodGet, "/sets/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := w.Body.Bytes()

	other := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sets/import", bytes.NewReader(exported))
	rec := httptest.NewRecorder()
	other.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]int
	decode(t, rec, &result)
	assert.Equal(t, 2, result["imported"])

	w = other.do(t, http.MethodGet, "/sets", nil)
	var sets []backupset.BackupSet
	decode(t, w, &sets)
	assert.Len(t, sets, 2)
}

func TestServerRun(t *testing.T) {
	s, err := New(
		WithAddr("unix://"+filepath.Join(t.TempDir(), "fwbackupd-test.sock")),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	s.testSignalCh = make(chan os.Signal, 1)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	time.Sleep(100 * time.Millisecond)
	s.testSignalCh <- syscall.SIGTERM

	select {
	case err := <-done:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
