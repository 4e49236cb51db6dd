package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

// packFixture backs up a small tree and returns the destination plus its
// manifest, the raw material every restore test starts from.
func packFixture(t *testing.T) (storage.Destination, *archive.Manifest) {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("bravo"), 0o644))

	dest, err := storage.New(storage.Config{Type: "local", Path: t.TempDir()})
	require.NoError(t, err)

	name := archive.Name("docs", time.Date(2026, 8, 23, 12, 0, 0, 0, time.Local))
	blob, err := (&archive.TarZstd{}).Pack(context.Background(), src, name+"/data-0.tar.zst", dest, nil)
	require.NoError(t, err)

	m := &archive.Manifest{Name: name, SetName: "docs", CreatedAt: time.Now(), Blobs: []archive.Blob{*blob}}
	require.NoError(t, archive.WriteManifest(dest, m))
	return dest, m
}

func TestRequestValidate(t *testing.T) {
	req := Request{ArchiveName: "docs-x", TargetDir: "/tmp/t", Destination: storage.Config{Type: "local", Path: "/tmp/d"}}
	require.NoError(t, req.Validate())
	assert.Equal(t, PolicySkip, req.Conflict, "empty policy defaults to skip")

	bad := req
	bad.Conflict = "clobber"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	bad = req
	bad.ArchiveName = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	bad = req
	bad.TargetDir = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)
}

func TestPreflight(t *testing.T) {
	dest, m := packFixture(t)
	c := NewCoordinator(nil, nil)

	got, err := c.Preflight(dest, Request{ArchiveName: m.Name, TargetDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)

	_, err = c.Preflight(dest, Request{ArchiveName: "docs-19990101000000", TargetDir: t.TempDir()})
	assert.ErrorIs(t, err, archive.ErrManifestUnreadable)

	if os.Geteuid() != 0 {
		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0o500))
		_, err = c.Preflight(dest, Request{ArchiveName: m.Name, TargetDir: filepath.Join(dir, "out")})
		assert.ErrorIs(t, err, ErrTargetNotWritable)
	}
}

func TestRunRestoresTree(t *testing.T) {
	dest, m := packFixture(t)
	c := NewCoordinator(nil, nil)
	target := t.TempDir()

	res, err := c.Run(context.Background(), dest, m, Request{ArchiveName: m.Name, TargetDir: target, Conflict: PolicySkip}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, int64(2), res.Files)
	assert.Equal(t, int64(len("alpha")+len("bravo")), res.Bytes)

	// A directory source restores under its own base name.
	root := filepath.Join(target, filepath.Base(m.Blobs[0].Source))
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	data, err = os.ReadFile(filepath.Join(root, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))
}

func TestConflictSkipNeverOverwrites(t *testing.T) {
	dest, m := packFixture(t)
	c := NewCoordinator(nil, nil)
	target := t.TempDir()

	root := filepath.Join(target, filepath.Base(m.Blobs[0].Source))
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("mine"), 0o644))

	res, err := c.Run(context.Background(), dest, m, Request{ArchiveName: m.Name, TargetDir: target, Conflict: PolicySkip}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, int64(1), res.Files, "only the non-conflicting file counts")

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
}

func TestConflictOverwriteAlwaysApplies(t *testing.T) {
	dest, m := packFixture(t)
	c := NewCoordinator(nil, nil)
	target := t.TempDir()

	root := filepath.Join(target, filepath.Base(m.Blobs[0].Source))
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("mine"), 0o644))

	res, err := c.Run(context.Background(), dest, m, Request{ArchiveName: m.Name, TargetDir: target, Conflict: PolicyOverwrite}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, int64(2), res.Files)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestConflictRenameKeepsBoth(t *testing.T) {
	dest, m := packFixture(t)
	c := NewCoordinator(nil, nil)
	target := t.TempDir()

	root := filepath.Join(target, filepath.Base(m.Blobs[0].Source))
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("mine"), 0o644))

	res, err := c.Run(context.Background(), dest, m, Request{ArchiveName: m.Name, TargetDir: target, Conflict: PolicyRename}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
	data, err = os.ReadFile(filepath.Join(root, "a.txt.restored-1"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestRunCancelledMarksUnreached(t *testing.T) {
	dest, m := packFixture(t)
	c := NewCoordinator(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Run(ctx, dest, m, Request{ArchiveName: m.Name, TargetDir: t.TempDir(), Conflict: PolicySkip}, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.Equal(t, "cancelled", f.Reason)
	}
	assert.Zero(t, res.Files)
}

func TestChecksumMismatchIsAFailure(t *testing.T) {
	dest, m := packFixture(t)
	m.Blobs[0].Files[0].Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	c := NewCoordinator(nil, nil)
	res, err := c.Run(context.Background(), dest, m, Request{ArchiveName: m.Name, TargetDir: t.TempDir(), Conflict: PolicySkip}, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "checksum mismatch", res.Failures[0].Reason)
	assert.Equal(t, int64(1), res.Files)
}
