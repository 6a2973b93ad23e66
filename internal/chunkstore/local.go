package chunkstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/bigxfer/bigxfer/internal/errors"
)

// LocalDriver stores chunks under baseDir using the sharded two-hex-prefix
// layout (§6 "uploads/chunks/<hh>/<digest>.chunk"), writing through a
// temp file and rename so a reader never observes a partially written
// chunk — the same atomic-replace approach restic's local backend uses for
// repository files (internal/backend/local/local.go's Save).
type LocalDriver struct {
	baseDir string
}

var _ Driver = (*LocalDriver)(nil)

// NewLocalDriver builds a LocalDriver rooted at baseDir, creating it if
// necessary.
func NewLocalDriver(baseDir string) (*LocalDriver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "chunkstore: create base dir")
	}
	return &LocalDriver{baseDir: baseDir}, nil
}

func (d *LocalDriver) path(key string) string {
	return filepath.Join(d.baseDir, filepath.FromSlash(key))
}

func (d *LocalDriver) Put(_ context.Context, key string, data []byte) error {
	dst := d.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close")
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename")
	}
	return nil
}

func (d *LocalDriver) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat")
}

func (d *LocalDriver) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return f, nil
}
