// Package chunkstore implements C7, the content-addressed chunk store:
// chunk bytes keyed by their digest, written idempotently and verified on
// arrival (§4.6, §6 Persisted layout). The storage medium behind the
// digest->bytes mapping is a pluggable Driver, generalizing restic's
// backend.Backend + location.Factory registry (one repository storage
// target) down to the single operation a content-addressed blob store
// actually needs: put-if-absent, exists, and open-for-read.
package chunkstore

import (
	"context"
	"io"

	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/errors"
)

// ErrIntegrity is returned by Put when the bytes received don't hash to the
// claimed digest (§4.6 "Mandatory verification", §7 Integrity class).
var ErrIntegrity = errors.New("chunkstore: digest mismatch")

// ErrNotFound is returned by Open (and may be returned by Exists-adjacent
// callers) when no chunk is stored under the given digest.
var ErrNotFound = errors.New("chunkstore: chunk not found")

// ErrTooLarge is returned by Put when data exceeds chunk.MaxSize (§6
// Limits).
var ErrTooLarge = errors.New("chunkstore: chunk exceeds maximum size")

// Driver is the storage medium behind the content-addressed layout: an
// implementer for local disk, S3, B2, or any other object store that can
// address a blob by a string key. Drivers never see the claimed digest
// before it has been verified — Store does that once, above every driver.
type Driver interface {
	// Put stores data under key, overwriting nothing (the caller has
	// already confirmed the key is absent). It must not partially write:
	// a failed Put must leave no readable object at key.
	Put(ctx context.Context, key string, data []byte) error

	// Exists reports whether key is already stored.
	Exists(ctx context.Context, key string) (bool, error)

	// Open returns a reader over the bytes at key, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// shardedKey builds the "<digest[0:2]>/<digest>.chunk" key §4.6 and §6
// specify, shared by every Driver so the layout stays identical regardless
// of medium.
func shardedKey(dig string) string {
	if len(dig) < 2 {
		return dig + "/" + dig + ".chunk"
	}
	return dig[:2] + "/" + dig + ".chunk"
}

// Store is C7: a Driver plus the digest algorithm used to verify arriving
// chunks, enforcing the content-addressed invariants §4.6 names.
type Store struct {
	driver Driver
	alg    digest.Algorithm
}

// New builds a Store over driver, verifying arrivals with alg.
func New(driver Driver, alg digest.Algorithm) *Store {
	if alg == nil {
		alg = digest.MD5
	}
	return &Store{driver: driver, alg: alg}
}

// Put stores data under claimedDigest, idempotently: if the chunk already
// exists, the call is a no-op (§4.6 "if <path(D)> exists, skip"). The
// digest of data is always recomputed first and compared against
// claimedDigest; a mismatch is an integrity error and nothing is written,
// regardless of whether the key already existed.
func (s *Store) Put(ctx context.Context, claimedDigest string, data []byte) error {
	if int64(len(data)) > chunk.MaxSize {
		return ErrTooLarge
	}

	if digest.Of(s.alg, data) != claimedDigest {
		return ErrIntegrity
	}

	key := shardedKey(claimedDigest)
	exists, err := s.driver.Exists(ctx, key)
	if err != nil {
		return errors.Wrap(err, "chunkstore: exists")
	}
	if exists {
		return nil
	}

	return errors.Wrap(s.driver.Put(ctx, key, data), "chunkstore: put")
}

// Exists reports whether digest is already stored — the operation behind
// chunk-level verify and the merge-time check that every listed chunk is
// present (§4.5 Verify, §4.6). File-level verify does not use it; that
// lookup goes through the session registry.
func (s *Store) Exists(ctx context.Context, dig string) (bool, error) {
	ok, err := s.driver.Exists(ctx, shardedKey(dig))
	if err != nil {
		return false, errors.Wrap(err, "chunkstore: exists")
	}
	return ok, nil
}

// Open returns a reader over the chunk stored under digest, for assembly
// (C8) or for serving a re-download.
func (s *Store) Open(ctx context.Context, dig string) (io.ReadCloser, error) {
	rc, err := s.driver.Open(ctx, shardedKey(dig))
	if err != nil {
		return nil, errors.Wrap(err, "chunkstore: open")
	}
	return rc, nil
}
