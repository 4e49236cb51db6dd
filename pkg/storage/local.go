package storage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const dirMode = 0o755

// Local stores archives on the local filesystem under a base path.
type Local struct {
	basePath string
}

var _ Destination = (*Local)(nil)

// NewLocal creates a local filesystem destination rooted at basePath.
func NewLocal(basePath string) *Local {
	return &Local{basePath: basePath}
}

func (l *Local) fullPath(name string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(name))
}

func (l *Local) Upload(name string, r io.Reader) (int64, error) {
	dst := l.fullPath(name)
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return 0, err
	}

	// Write to a temp name first so a partially written object is never
	// visible under its final name.
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (l *Local) Download(name string, w io.Writer) error {
	fi, err := os.Open(l.fullPath(name))
	if err != nil {
		return err
	}
	defer fi.Close()

	_, err = io.Copy(w, fi)
	return err
}

func (l *Local) Delete(name string) error {
	full := l.fullPath(name)
	if err := os.Remove(full); err != nil {
		return err
	}
	// Drop directories left empty, up to the base path.
	for dir := filepath.Dir(full); dir != l.basePath; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (l *Local) List(prefix string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" && !hasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

func (l *Local) Stat(name string) (FileInfo, error) {
	info, err := os.Stat(l.fullPath(name))
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (l *Local) Ping() error {
	if err := os.MkdirAll(l.basePath, dirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	probe, err := os.CreateTemp(l.basePath, ".fwbackupd-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func (l *Local) Type() string { return "local" }

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}
