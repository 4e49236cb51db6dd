package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/fwbackups/fwbackupd/pkg/storage"
)

const uploadRetries = 3

// Progress is invoked as file bytes stream into a blob. path is absolute on
// the machine being backed up.
type Progress func(path string, bytes int64)

// Packer turns one source path into one uploaded blob and back. The engine
// treats it as opaque: it only sees the manifest blob and per-file results.
type Packer interface {
	Pack(ctx context.Context, source, blobName string, dest storage.Destination, onProgress Progress) (*Blob, error)
	Unpack(ctx context.Context, blob Blob, dest storage.Destination, apply func(hdr *tar.Header, r io.Reader) error) error
}

// TarZstd packs a source path as a zstd-compressed tar stream.
type TarZstd struct{}

var _ Packer = (*TarZstd)(nil)

// uploadError marks a destination-side failure, the only kind worth another
// attempt.
type uploadError struct{ err error }

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

// Pack walks source, streams its files through tar+zstd into dest under
// blobName, and returns the blob with per-file sizes and checksums. Upload
// failures are retried with exponential backoff; source read failures fail
// immediately, since re-reading the same broken tree cannot succeed. The
// returned error is the last attempt's.
func (p *TarZstd) Pack(ctx context.Context, source, blobName string, dest storage.Destination, onProgress Progress) (*Blob, error) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	var blob *Blob
	var err error
	for i := 0; i < uploadRetries; i++ {
		blob, err = p.packOnce(ctx, source, blobName, dest, onProgress)
		if err == nil || ctx.Err() != nil {
			return blob, err
		}
		var uerr *uploadError
		if !errors.As(err, &uerr) {
			return nil, err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// packFailure remembers which side of the pipe failed first. A failure on
// either side surfaces on both once the pipe closes, so only the first
// record tells the root cause apart.
type packFailure struct {
	once       sync.Once
	fromUpload bool
	err        error
}

func (f *packFailure) record(err error, fromUpload bool) {
	f.once.Do(func() {
		f.err = err
		f.fromUpload = fromUpload
	})
}

func (p *TarZstd) packOnce(ctx context.Context, source, blobName string, dest storage.Destination, onProgress Progress) (*Blob, error) {
	fi, err := os.Lstat(source)
	if err != nil {
		return nil, err
	}

	blob := &Blob{Name: blobName, Source: source, IsDir: fi.IsDir()}
	pr, pw := io.Pipe()
	var fail packFailure

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			fail.record(err, false)
			pw.CloseWithError(err)
			return err
		}
		tw := tar.NewWriter(enc)

		walkErr := func() error {
			if !fi.IsDir() {
				entry, err := writeFile(ctx, tw, source, filepath.Base(source), fi, onProgress)
				if err != nil {
					return err
				}
				blob.Files = append(blob.Files, entry)
				return nil
			}
			return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				rel, err := filepath.Rel(source, path)
				if err != nil {
					return err
				}
				if rel == "." {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return err
				}
				if d.IsDir() {
					hdr, err := tar.FileInfoHeader(info, "")
					if err != nil {
						return err
					}
					hdr.Name = filepath.ToSlash(rel) + "/"
					return tw.WriteHeader(hdr)
				}
				if !info.Mode().IsRegular() {
					// Symlinks and devices are skipped, matching the
					// file-oriented manifest model.
					return nil
				}
				entry, err := writeFile(ctx, tw, path, filepath.ToSlash(rel), info, onProgress)
				if err != nil {
					return err
				}
				blob.Files = append(blob.Files, entry)
				return nil
			})
		}()
		if walkErr != nil {
			fail.record(walkErr, false)
			pw.CloseWithError(walkErr)
			return walkErr
		}
		if err := tw.Close(); err != nil {
			fail.record(err, false)
			pw.CloseWithError(err)
			return err
		}
		if err := enc.Close(); err != nil {
			fail.record(err, false)
			pw.CloseWithError(err)
			return err
		}
		return pw.Close()
	})

	var uploaded int64
	group.Go(func() error {
		n, err := dest.Upload(blobName, pr)
		if err != nil {
			fail.record(fmt.Errorf("upload %s: %w", blobName, err), true)
			// Unblock the writer side.
			pr.CloseWithError(err)
			return err
		}
		uploaded = n
		return nil
	})

	if err := group.Wait(); err != nil {
		if fail.err == nil {
			return nil, err
		}
		if fail.fromUpload {
			return nil, &uploadError{fail.err}
		}
		return nil, fail.err
	}
	blob.Size = uploaded
	return blob, nil
}

// Unpack downloads a blob and feeds each regular file and directory header to
// apply. apply owns writing the content; returning an error aborts the whole
// blob.
func (p *TarZstd) Unpack(ctx context.Context, blob Blob, dest storage.Destination, apply func(hdr *tar.Header, r io.Reader) error) error {
	pr, pw := io.Pipe()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := dest.Download(blob.Name, pw)
		pw.CloseWithError(err)
		return err
	})
	group.Go(func() error {
		dec, err := zstd.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		defer dec.Close()

		tr := tar.NewReader(dec)
		for {
			if err := ctx.Err(); err != nil {
				pr.CloseWithError(err)
				return err
			}
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				pr.CloseWithError(err)
				return err
			}
			if err := apply(hdr, tr); err != nil {
				pr.CloseWithError(err)
				return err
			}
		}
	})
	return group.Wait()
}

func writeFile(ctx context.Context, tw *tar.Writer, path, name string, info fs.FileInfo, onProgress Progress) (Entry, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return Entry{}, err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return Entry{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tw, h), f)
	if err != nil {
		return Entry{}, err
	}
	if onProgress != nil {
		onProgress(path, n)
	}
	return Entry{Path: name, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}
