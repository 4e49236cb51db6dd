package restore

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

// Conflict policies for files that already exist at the target.
const (
	PolicyOverwrite = "overwrite"
	PolicySkip      = "skip"
	PolicyRename    = "rename" // keep both, new file gets a .restored-<n> suffix
)

var (
	// ErrInvalidRequest is returned when a restore request fails validation.
	ErrInvalidRequest = errors.New("invalid restore request")

	// ErrTargetNotWritable is returned by preflight when the target directory
	// cannot be created or written.
	ErrTargetNotWritable = errors.New("restore target not writable")
)

// Request asks for an archive to be extracted into a target directory.
type Request struct {
	SetName     string         `json:"set_name"`
	ArchiveName string         `json:"archive_name"`
	Destination storage.Config `json:"destination"`
	TargetDir   string         `json:"target_dir"`
	Conflict    string         `json:"conflict"`
}

// Validate checks the request shape; an empty conflict policy defaults to skip.
func (r *Request) Validate() error {
	if r.ArchiveName == "" {
		return fmt.Errorf("%w: no archive name", ErrInvalidRequest)
	}
	if r.TargetDir == "" {
		return fmt.Errorf("%w: no target directory", ErrInvalidRequest)
	}
	if r.Destination.Type == "" {
		return fmt.Errorf("%w: no destination", ErrInvalidRequest)
	}
	switch r.Conflict {
	case "":
		r.Conflict = PolicySkip
	case PolicyOverwrite, PolicySkip, PolicyRename:
	default:
		return fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidRequest, r.Conflict)
	}
	return nil
}

// Result summarizes one restore run.
type Result struct {
	Files    int64
	Bytes    int64
	Failures []jobs.PathFailure
}

// Coordinator extracts archives back onto the local filesystem.
type Coordinator struct {
	packer archive.Packer
	logger *zap.Logger
}

func NewCoordinator(packer archive.Packer, logger *zap.Logger) *Coordinator {
	if packer == nil {
		packer = &archive.TarZstd{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{packer: packer, logger: logger}
}

// Preflight verifies the archive's manifest is readable and the target
// directory is writable. It runs before any job record exists, so a doomed
// restore fails fast without leaving a trace in the job log.
func (c *Coordinator) Preflight(dest storage.Destination, req Request) (*archive.Manifest, error) {
	m, err := archive.ReadManifest(dest, req.ArchiveName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.TargetDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetNotWritable, err)
	}
	probe, err := os.CreateTemp(req.TargetDir, ".fwbackupd-probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetNotWritable, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return m, nil
}

// Run extracts every blob of the manifest into the target directory. Failures
// on individual entries are recorded and extraction continues; cancellation
// stops between entries and marks the unreached ones.
func (c *Coordinator) Run(ctx context.Context, dest storage.Destination, m *archive.Manifest, req Request, onLog func(severity, text string), onProgress func(path string, n int64)) (Result, error) {
	if onLog == nil {
		onLog = func(string, string) {}
	}

	var res Result
	for _, blob := range m.Blobs {
		if err := ctx.Err(); err != nil {
			res.Failures = markUnreached(res.Failures, blob, nil, jobs.CancelledReason)
			continue
		}
		res.Failures = append(res.Failures, c.restoreBlob(ctx, dest, blob, req, &res, onLog, onProgress)...)
	}
	return res, nil
}

func (c *Coordinator) restoreBlob(ctx context.Context, dest storage.Destination, blob archive.Blob, req Request, res *Result, onLog func(string, string), onProgress func(string, int64)) []jobs.PathFailure {
	// A directory source restores under its own name; a single file lands
	// directly in the target directory.
	root := req.TargetDir
	if blob.IsDir {
		root = filepath.Join(req.TargetDir, filepath.Base(blob.Source))
	}

	want := make(map[string]string, len(blob.Files))
	for _, e := range blob.Files {
		want[e.Path] = e.Checksum
	}

	var failures []jobs.PathFailure
	applied := make(map[string]bool, len(blob.Files))

	err := c.packer.Unpack(ctx, blob, dest, func(hdr *tar.Header, r io.Reader) error {
		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			failures = append(failures, jobs.PathFailure{Path: hdr.Name, Reason: "unsafe path in archive"})
			return nil
		}
		target := filepath.Join(root, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				failures = append(failures, jobs.PathFailure{Path: target, Reason: err.Error()})
			}
			return nil
		case tar.TypeReg:
		default:
			return nil
		}

		applied[hdr.Name] = true
		n, wrote, err := c.writeFile(target, hdr, r, req.Conflict, want[hdr.Name], onLog)
		if err != nil {
			failures = append(failures, jobs.PathFailure{Path: target, Reason: err.Error()})
			return nil
		}
		if wrote {
			res.Files++
			res.Bytes += n
			if onProgress != nil {
				onProgress(target, n)
			}
		}
		return nil
	})
	if err != nil {
		reason := "not extracted: " + err.Error()
		if ctx.Err() != nil {
			reason = jobs.CancelledReason
		} else {
			onLog("error", fmt.Sprintf("blob %s failed: %v", blob.Name, err))
		}
		failures = markUnreached(failures, blob, applied, reason)
	}
	return failures
}

// writeFile extracts one regular file, honoring the conflict policy and
// verifying the manifest checksum. wrote is false for a skipped file.
func (c *Coordinator) writeFile(target string, hdr *tar.Header, r io.Reader, policy, wantSum string, onLog func(string, string)) (n int64, wrote bool, err error) {
	if _, err := os.Lstat(target); err == nil {
		switch policy {
		case PolicySkip:
			onLog("info", fmt.Sprintf("skipping existing file %s", target))
			// Drain so the tar reader can advance.
			_, _ = io.Copy(io.Discard, r)
			return 0, false, nil
		case PolicyRename:
			target = renameTarget(target)
		case PolicyOverwrite:
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, false, err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return 0, false, err
	}

	h := sha256.New()
	n, err = io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, false, err
	}
	if wantSum != "" && hex.EncodeToString(h.Sum(nil)) != wantSum {
		return n, false, errors.New("checksum mismatch")
	}
	return n, true, nil
}

// renameTarget finds the first free .restored-<n> name next to target.
func renameTarget(target string) string {
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.restored-%d", target, n)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// markUnreached records every manifest entry the extractor never got to.
// Entries already applied carry their own outcome and are left alone.
func markUnreached(failures []jobs.PathFailure, blob archive.Blob, applied map[string]bool, reason string) []jobs.PathFailure {
	for _, e := range blob.Files {
		if applied[e.Path] {
			continue
		}
		failures = append(failures, jobs.PathFailure{Path: e.Path, Reason: reason})
	}
	return failures
}
