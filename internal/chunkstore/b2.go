package chunkstore

import (
	"context"
	"io"
	"strings"

	"github.com/Backblaze/blazer/b2"

	"github.com/bigxfer/bigxfer/internal/errors"
)

// B2Config configures a B2Driver, trimmed from restic's
// internal/backend/b2/config.go to what chunkstore needs.
type B2Config struct {
	AccountID string
	Key       string
	Bucket    string
	Prefix    string
}

// B2Driver stores chunks as objects in a Backblaze B2 bucket — the other
// alternate chunk-store driver wired in, grounded on restic's
// internal/backend/b2/b2.go (same blazer client, same Object-per-key
// shape) and on the bucket/object lifecycle shown in
// other_examples' dracher-blazer sample.
type B2Driver struct {
	bucket *b2.Bucket
	prefix string
}

var _ Driver = (*B2Driver)(nil)

// NewB2Driver authenticates against B2 and opens cfg.Bucket.
func NewB2Driver(ctx context.Context, cfg B2Config) (*B2Driver, error) {
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.Key)
	if err != nil {
		return nil, errors.Wrap(err, "chunkstore: b2.NewClient")
	}

	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "chunkstore: open b2 bucket")
	}

	return &B2Driver{bucket: bucket, prefix: cfg.Prefix}, nil
}

func (d *B2Driver) objectName(key string) string {
	if d.prefix == "" {
		return key
	}
	return d.prefix + "/" + key
}

func (d *B2Driver) Put(ctx context.Context, key string, data []byte) error {
	obj := d.bucket.Object(d.objectName(key))
	w := obj.NewWriter(ctx)

	n, err := w.Write(data)
	if err != nil {
		w.Close()
		return errors.Wrap(err, "b2 write")
	}
	if n != len(data) {
		w.Close()
		return errors.Errorf("b2: wrote %d of %d bytes", n, len(data))
	}
	return errors.Wrap(w.Close(), "b2 close")
}

func (d *B2Driver) Exists(ctx context.Context, key string) (bool, error) {
	obj := d.bucket.Object(d.objectName(key))
	if _, err := obj.Attrs(ctx); err != nil {
		if isB2NotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "b2 Attrs")
	}
	return true, nil
}

func (d *B2Driver) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj := d.bucket.Object(d.objectName(key))
	if _, err := obj.Attrs(ctx); err != nil {
		if isB2NotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "b2 Attrs")
	}
	return obj.NewReader(ctx), nil
}

// isB2NotExist mirrors restic's b2Backend.IsNotExist: blazer doesn't export
// its error types, so the only reliable signal is the error string.
func isB2NotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file")
}
