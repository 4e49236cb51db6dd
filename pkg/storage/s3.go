package storage

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3 stores archives in an S3 or S3-compatible bucket.
type S3 struct {
	cfg    Config
	client *s3.S3
}

var _ Destination = (*S3)(nil)

// NewS3 creates an S3 destination from config.
func NewS3(cfg Config) (*S3, error) {
	awsCfg := &aws.Config{
		Region:      aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""),
	}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	return &S3{cfg: cfg, client: s3.New(sess)}, nil
}

func (d *S3) key(name string) string {
	return path.Join(d.cfg.Path, name)
}

func (d *S3) Upload(name string, r io.Reader) (int64, error) {
	// PutObject needs a seekable body for signing.
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	_, err = d.client.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.S3Bucket),
		Key:           aws.String(d.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (d *S3) Download(name string, w io.Writer) error {
	out, err := d.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(d.key(name)),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	_, err = io.Copy(w, out.Body)
	return err
}

func (d *S3) Delete(name string) error {
	_, err := d.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(d.key(name)),
	})
	return err
}

func (d *S3) List(prefix string) ([]FileInfo, error) {
	base := ""
	if d.cfg.Path != "" {
		base = strings.TrimSuffix(d.cfg.Path, "/") + "/"
	}

	var files []FileInfo
	err := d.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(d.cfg.S3Bucket),
		Prefix: aws.String(base + prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), base)
			if name == "" {
				continue
			}
			files = append(files, FileInfo{
				Name:    name,
				Size:    aws.Int64Value(obj.Size),
				ModTime: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (d *S3) Stat(name string) (FileInfo, error) {
	out, err := d.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(d.cfg.S3Bucket),
		Key:    aws.String(d.key(name)),
	})
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    name,
		Size:    aws.Int64Value(out.ContentLength),
		ModTime: aws.TimeValue(out.LastModified),
	}, nil
}

func (d *S3) Ping() error {
	_, err := d.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(d.cfg.S3Bucket)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (d *S3) Type() string { return "s3" }
