package chunkstore

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigxfer/bigxfer/internal/errors"
)

// S3Config configures an S3Driver, trimmed from restic's s3.Config
// (internal/backend/s3/config.go) to what a content-addressed object
// store needs: no layout/prefix style, since chunkstore always owns the
// sharded key scheme itself.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	KeyID     string
	Secret    string
	UseHTTP   bool
	Transport http.RoundTripper
}

// S3Driver stores chunks as objects in an S3-compatible bucket, one of the
// alternate chunk-store drivers wired in alongside local disk
// (grounded on restic's internal/backend/s3/s3.go, which does the
// equivalent of Put/Exists/Open against a minio client for repository
// files).
type S3Driver struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Driver = (*S3Driver)(nil)

// NewS3Driver builds an S3Driver from cfg.
func NewS3Driver(cfg S3Config) (*S3Driver, error) {
	rt := cfg.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	creds := credentials.NewStaticV4(cfg.KeyID, cfg.Secret, "")
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    !cfg.UseHTTP,
		Region:    cfg.Region,
		Transport: rt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "chunkstore: minio.New")
	}

	return &S3Driver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (d *S3Driver) objectName(key string) string {
	if d.prefix == "" {
		return key
	}
	return d.prefix + "/" + key
}

func (d *S3Driver) Put(ctx context.Context, key string, data []byte) error {
	_, err := d.client.PutObject(ctx, d.bucket, d.objectName(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:    "application/octet-stream",
		SendContentMd5: true,
	})
	return errors.Wrap(err, "s3 PutObject")
}

func (d *S3Driver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.StatObject(ctx, d.bucket, d.objectName(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, errors.Wrap(err, "s3 StatObject")
}

func (d *S3Driver) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := d.client.GetObject(ctx, d.bucket, d.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "s3 GetObject")
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "s3 Stat")
	}
	return obj, nil
}
