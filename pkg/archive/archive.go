package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

const (
	// TimeLayout names archives by creation time.
	TimeLayout = "20060102150405"

	// ManifestName is the file written last into every archive; its
	// existence guarantees the archive is structurally complete.
	ManifestName = "manifest.json"
)

// ErrManifestUnreadable is returned when an archive's manifest cannot be
// fetched or parsed.
var ErrManifestUnreadable = errors.New("archive manifest unreadable")

// Entry is one file recorded in a manifest.
type Entry struct {
	Path     string `json:"path"` // relative to the blob's source root
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // sha256, hex
}

// Blob is one packed source path within an archive.
type Blob struct {
	Name   string  `json:"name"`   // object name relative to the archive dir
	Source string  `json:"source"` // the source path it was packed from
	IsDir  bool    `json:"is_dir"` // whether the source was a directory
	Size   int64   `json:"size"`   // compressed bytes on the destination
	Files  []Entry `json:"files"`
}

// Manifest describes the contents of one archive.
type Manifest struct {
	Name      string    `json:"name"`
	SetName   string    `json:"set_name"`
	CreatedAt time.Time `json:"created_at"`
	Blobs     []Blob    `json:"blobs"`
}

// Entries returns all file entries across blobs.
func (m *Manifest) Entries() []Entry {
	var all []Entry
	for _, b := range m.Blobs {
		all = append(all, b.Files...)
	}
	return all
}

// Info is a lightweight listing of one archive on a destination.
type Info struct {
	Name      string    `json:"name"`
	SetName   string    `json:"set_name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"` // total compressed bytes
}

// Name builds the archive name for a set run at t.
func Name(setName string, t time.Time) string {
	return setName + "-" + t.Format(TimeLayout)
}

// parseName splits an archive name back into set name and creation time.
func parseName(name string) (string, time.Time, bool) {
	i := strings.LastIndex(name, "-")
	if i < 1 {
		return "", time.Time{}, false
	}
	t, err := time.ParseInLocation(TimeLayout, name[i+1:], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:i], t, true
}

// WriteManifest uploads the manifest as the archive's final object.
func WriteManifest(dest storage.Destination, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if _, err := dest.Upload(m.Name+"/"+ManifestName, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.Name, err)
	}
	return nil
}

// ReadManifest fetches and parses the manifest of the named archive.
func ReadManifest(dest storage.Destination, name string) (*Manifest, error) {
	var buf bytes.Buffer
	if err := dest.Download(name+"/"+ManifestName, &buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	var m Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	return &m, nil
}

// List returns the archives a set owns on a destination, oldest first. Only
// directories carrying a manifest count; a crashed job's leftovers without
// one are invisible here.
func List(dest storage.Destination, setName string) ([]Info, error) {
	files, err := dest.List(setName + "-")
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]int64)
	manifests := make(map[string]bool)
	for _, fi := range files {
		dir, base, ok := splitObject(fi.Name)
		if !ok {
			continue
		}
		sizes[dir] += fi.Size
		if base == ManifestName {
			manifests[dir] = true
		}
	}

	var infos []Info
	for dir := range manifests {
		set, createdAt, ok := parseName(dir)
		if !ok || set != setName {
			continue
		}
		infos = append(infos, Info{Name: dir, SetName: set, CreatedAt: createdAt, Size: sizes[dir]})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Delete removes every object of the named archive. The manifest goes first,
// so a half-deleted archive is never mistaken for a complete one.
func Delete(dest storage.Destination, name string) error {
	if err := dest.Delete(name + "/" + ManifestName); err != nil {
		return fmt.Errorf("delete manifest of %s: %w", name, err)
	}
	files, err := dest.List(name + "/")
	if err != nil {
		return err
	}
	for _, fi := range files {
		if err := dest.Delete(fi.Name); err != nil {
			return fmt.Errorf("delete %s: %w", fi.Name, err)
		}
	}
	return nil
}

// SelectExpired returns the archives to delete under a retention policy,
// oldest first. infos must be sorted oldest first, as List returns them.
func SelectExpired(infos []Info, keepLast int, maxAge time.Duration, now time.Time) []Info {
	var expired []Info
	seen := make(map[string]bool)

	if keepLast > 0 && len(infos) > keepLast {
		for _, info := range infos[:len(infos)-keepLast] {
			expired = append(expired, info)
			seen[info.Name] = true
		}
	}
	if maxAge > 0 {
		cutoff := now.Add(-maxAge)
		for _, info := range infos {
			if info.CreatedAt.Before(cutoff) && !seen[info.Name] {
				expired = append(expired, info)
				seen[info.Name] = true
			}
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired
}

func splitObject(name string) (dir, base string, ok bool) {
	i := strings.Index(name, "/")
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
