package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// SFTP stores archives on a remote host over SFTP.
type SFTP struct {
	cfg    Config
	ssh    *xssh.Client
	client *sftp.Client
}

var _ Destination = (*SFTP)(nil)

// NewSFTP dials the remote host and creates the base directory.
func NewSFTP(cfg Config) (*SFTP, error) {
	d := &SFTP{cfg: cfg}
	if err := d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SFTP) connect() error {
	sshCfg := &xssh.ClientConfig{
		User: d.cfg.SFTPUser,
		// Host keys are recorded by the archival destination setup flow,
		// outside the engine.
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	switch {
	case d.cfg.SFTPKeyPath != "":
		keyData, err := os.ReadFile(d.cfg.SFTPKeyPath)
		if err != nil {
			return fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := xssh.ParsePrivateKey(keyData)
		if err != nil {
			return fmt.Errorf("parse ssh key: %w", err)
		}
		sshCfg.Auth = []xssh.AuthMethod{xssh.PublicKeys(signer)}
	case d.cfg.SFTPPassword != "":
		sshCfg.Auth = []xssh.AuthMethod{xssh.Password(d.cfg.SFTPPassword)}
	default:
		return fmt.Errorf("no authentication method provided for sftp destination")
	}

	port := d.cfg.SFTPPort
	if port == 0 {
		port = 22
	}
	sshClient, err := xssh.Dial("tcp", fmt.Sprintf("%s:%d", d.cfg.SFTPHost, port), sshCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	client, err := sftp.NewClient(sshClient,
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
	)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("create sftp client: %w", err)
	}

	if err := client.MkdirAll(d.cfg.Path); err != nil {
		client.Close()
		sshClient.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	d.ssh = sshClient
	d.client = client
	return nil
}

// Close closes the SFTP and SSH connections.
func (d *SFTP) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	if d.ssh != nil {
		d.ssh.Close()
	}
	return nil
}

func (d *SFTP) remotePath(name string) string {
	return path.Join(d.cfg.Path, name)
}

func (d *SFTP) Upload(name string, r io.Reader) (int64, error) {
	dst := d.remotePath(name)
	if err := d.client.MkdirAll(path.Dir(dst)); err != nil {
		return 0, err
	}
	fi, err := d.client.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(fi, r)
	if cerr := fi.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		d.client.Remove(dst)
		return 0, err
	}
	return n, nil
}

func (d *SFTP) Download(name string, w io.Writer) error {
	fi, err := d.client.Open(d.remotePath(name))
	if err != nil {
		return err
	}
	defer fi.Close()

	_, err = io.Copy(w, fi)
	return err
}

func (d *SFTP) Delete(name string) error {
	full := d.remotePath(name)
	if err := d.client.Remove(full); err != nil {
		return err
	}
	for dir := path.Dir(full); dir != d.cfg.Path && dir != "/" && dir != "."; dir = path.Dir(dir) {
		if err := d.client.RemoveDirectory(dir); err != nil {
			break
		}
	}
	return nil
}

func (d *SFTP) List(prefix string) ([]FileInfo, error) {
	var files []FileInfo
	walker := d.client.Walk(d.cfg.Path)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel, err := relPath(d.cfg.Path, walker.Path())
		if err != nil {
			continue
		}
		if prefix != "" && !hasPrefix(rel, prefix) {
			continue
		}
		files = append(files, FileInfo{
			Name:    rel,
			Size:    walker.Stat().Size(),
			ModTime: walker.Stat().ModTime(),
		})
	}
	return files, nil
}

func (d *SFTP) Stat(name string) (FileInfo, error) {
	info, err := d.client.Stat(d.remotePath(name))
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (d *SFTP) Ping() error {
	if err := d.client.MkdirAll(d.cfg.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	probe := d.remotePath(fmt.Sprintf(".fwbackupd-probe-%d", time.Now().UnixNano()))
	fi, err := d.client.Create(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	fi.Close()
	return d.client.Remove(probe)
}

func (d *SFTP) Type() string { return "sftp" }

func relPath(base, full string) (string, error) {
	if !hasPrefix(full, base) {
		return "", fmt.Errorf("path %q outside base %q", full, base)
	}
	rel := full[len(base):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	if rel == "" {
		return "", fmt.Errorf("empty relative path")
	}
	return rel, nil
}
