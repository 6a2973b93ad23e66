// Package assembly implements C8, the assembly service: on first download
// request for a completed session, stream the ordered chunks out of the
// chunk store into a materialized artifact and serve it; on subsequent
// requests, serve the materialized file directly (§4.7, §6 GET
// /file/:uploadId/:fileName).
package assembly

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bigxfer/bigxfer/internal/chunkstore"
	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/sessions"
)

// Service materializes and serves completed uploads' artifacts.
type Service struct {
	store    *chunkstore.Store
	filesDir string

	// perUpload serializes materialization per uploadId so concurrent
	// requests for the same not-yet-materialized artifact don't each
	// start their own assembly pass.
	mu        sync.Mutex
	perUpload map[string]*sync.Mutex
}

// New builds a Service that materializes artifacts under filesDir (§6
// "uploads/files/<uploadId>.dat").
func New(store *chunkstore.Store, filesDir string) (*Service, error) {
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "assembly: create files dir")
	}
	return &Service{store: store, filesDir: filesDir, perUpload: make(map[string]*sync.Mutex)}, nil
}

func (s *Service) artifactPath(uploadID string) string {
	return filepath.Join(s.filesDir, uploadID+".dat")
}

func (s *Service) lockFor(uploadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.perUpload[uploadID]
	if !ok {
		l = &sync.Mutex{}
		s.perUpload[uploadID] = l
	}
	return l
}

// Stream writes sess's artifact to w, materializing it first if this is
// the first request for it. ctx governs both chunk-store reads and the
// copy into w: if the downstream consumer disconnects (ctx canceled or w
// returns an error), in-flight reads are torn down promptly and, if this
// call was the one materializing the file, the partial temp file is
// discarded rather than left half-written (§4.7, §5 "back-pressure").
func (s *Service) Stream(ctx context.Context, sess *sessions.Session, w io.Writer) error {
	dst := s.artifactPath(sess.UploadID)

	if _, err := os.Stat(dst); err == nil {
		return s.copyFile(ctx, dst, w)
	}

	lock := s.lockFor(sess.UploadID)
	lock.Lock()
	defer lock.Unlock()

	// Another request may have materialized it while we waited for the lock.
	if _, err := os.Stat(dst); err == nil {
		return s.copyFile(ctx, dst, w)
	}

	return s.materializeAndStream(ctx, sess, dst, w)
}

func (s *Service) copyFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "assembly: open materialized artifact")
	}
	defer f.Close()

	_, err = io.Copy(w, &contextReader{ctx: ctx, r: f})
	return errors.Wrap(err, "assembly: stream materialized artifact")
}

// materializeAndStream concatenates sess.Chunks, in order, into a temp
// file while simultaneously writing the same bytes to w — the "streaming
// assembly" of §4.7, which "cannot buffer the whole file": bytes flow
// from the chunk store straight to both destinations via io.MultiWriter,
// never held in memory beyond a single chunk.
func (s *Service) materializeAndStream(ctx context.Context, sess *sessions.Session, dst string, w io.Writer) error {
	if len(sess.Chunks) == 0 {
		return errors.New("assembly: session has no chunks to assemble")
	}

	tmp, err := os.CreateTemp(s.filesDir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "assembly: create temp artifact")
	}
	tmpName := tmp.Name()

	if err := s.copyChunks(ctx, sess.Chunks, io.MultiWriter(tmp, w)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "assembly: flush materialized artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "assembly: close materialized artifact")
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "assembly: finalize materialized artifact")
	}
	return nil
}

func (s *Service) copyChunks(ctx context.Context, digests []string, w io.Writer) error {
	for _, dig := range digests {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "assembly: canceled")
		}

		rc, err := s.store.Open(ctx, dig)
		if err != nil {
			return errors.Wrapf(err, "assembly: open chunk %s", dig)
		}

		_, copyErr := io.Copy(w, &contextReader{ctx: ctx, r: rc})
		closeErr := rc.Close()
		if copyErr != nil {
			return errors.Wrapf(copyErr, "assembly: stream chunk %s", dig)
		}
		if closeErr != nil {
			return errors.Wrapf(closeErr, "assembly: close chunk %s", dig)
		}
	}
	return nil
}

// contextReader aborts a Read promptly once ctx is done, the mechanism
// behind "in-flight readers must be torn down promptly" (§5) — a
// disconnected HTTP client cancels its request context, and the next Read
// call here returns immediately instead of blocking on a chunk-store
// fetch that nobody is waiting for anymore.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
