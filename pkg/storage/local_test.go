package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUploadDownload(t *testing.T) {
	l := NewLocal(t.TempDir())

	n, err := l.Upload("nightly-20240101000000/data.tar.zst", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	var buf bytes.Buffer
	require.NoError(t, l.Download("nightly-20240101000000/data.tar.zst", &buf))
	assert.Equal(t, "hello", buf.String())

	info, err := l.Stat("nightly-20240101000000/data.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
}

func TestLocalList(t *testing.T) {
	l := NewLocal(t.TempDir())

	for _, name := range []string{
		"setA-1/manifest.json",
		"setA-1/blob-0",
		"setB-1/manifest.json",
	} {
		_, err := l.Upload(name, strings.NewReader("x"))
		require.NoError(t, err)
	}

	all, err := l.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := l.List("setA-")
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
	for _, fi := range onlyA {
		assert.True(t, strings.HasPrefix(fi.Name, "setA-"))
	}
}

func TestLocalDeleteRemovesEmptyDirs(t *testing.T) {
	base := t.TempDir()
	l := NewLocal(base)

	_, err := l.Upload("old-archive/manifest.json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.NoError(t, l.Delete("old-archive/manifest.json"))

	_, err = os.Stat(filepath.Join(base, "old-archive"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalListMissingBase(t *testing.T) {
	l := NewLocal(filepath.Join(t.TempDir(), "does-not-exist"))
	files, err := l.List("")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalPing(t *testing.T) {
	require.NoError(t, NewLocal(t.TempDir()).Ping())
}

func TestNewUnsupportedType(t *testing.T) {
	_, err := New(Config{Type: "ftp"})
	assert.Error(t, err)
}
