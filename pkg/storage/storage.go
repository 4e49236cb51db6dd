package storage

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrUnreachable is returned by Ping when the destination cannot be written at all.
var ErrUnreachable = errors.New("destination unreachable")

// Config describes where a backup set's archives are written.
type Config struct {
	Type string `json:"type"` // "local", "sftp" or "s3"
	Path string `json:"path"`

	// SFTP specific.
	SFTPHost     string `json:"sftp_host,omitempty"`
	SFTPPort     int    `json:"sftp_port,omitempty"`
	SFTPUser     string `json:"sftp_user,omitempty"`
	SFTPPassword string `json:"sftp_password,omitempty"`
	SFTPKeyPath  string `json:"sftp_key_path,omitempty"`

	// S3 specific.
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
	S3Endpoint  string `json:"s3_endpoint,omitempty"`
	S3AccessKey string `json:"s3_access_key,omitempty"`
	S3SecretKey string `json:"s3_secret_key,omitempty"`
}

// FileInfo describes a single object stored at a destination.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Destination is the interface to a backup storage backend.
//
// Object names are slash-separated relative paths; implementations create
// intermediate directories as needed.
type Destination interface {
	// Upload stores the content of r under name, returning the bytes written.
	Upload(name string, r io.Reader) (int64, error)

	// Download copies the object name into w.
	Download(name string, w io.Writer) error

	// Delete removes the object name.
	Delete(name string) error

	// List returns all objects whose name starts with prefix.
	List(prefix string) ([]FileInfo, error)

	// Stat returns info for a single object.
	Stat(name string) (FileInfo, error)

	// Ping verifies the destination is reachable and writable.
	Ping() error

	// Type returns the destination type identifier.
	Type() string
}

// New creates a Destination from config.
func New(cfg Config) (Destination, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(cfg.Path), nil
	case "sftp":
		return NewSFTP(cfg)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, fmt.Errorf("unsupported destination type: %q", cfg.Type)
	}
}
