// Package transport declares C5, the transport adapter contract: the four
// typed, side-effecting operations the upload controller drives, and
// nothing else about how they're carried (§4.5). The controller only
// ever holds a Transport value; it never sees credentials or HTTP — those
// belong to the concrete adapter. The adapter only marks failures as
// permanent or transient; the retry policy itself lives in the controller.
package transport

import (
	"context"
	"io"
	"time"
)

// HashKind distinguishes a chunk digest from a whole-file digest in a
// Verify call (§4.5, §6 Upload-Hash-Type header).
type HashKind string

const (
	HashChunk HashKind = "chunk"
	HashFile  HashKind = "file"
)

// InitiateRequest carries the file metadata needed to register a new
// session (§4.5, §6 POST /create body).
type InitiateRequest struct {
	FileName     string
	FileSize     int64
	FileType     string
	LastModified time.Time
}

// InitiateResponse is the server's session handle (§4.5, §6 POST
// /create response). ChunkSize is authoritative: the controller MUST adopt
// it even if it differs from the client's requested size (§4.2).
type InitiateResponse struct {
	UploadToken string
	ChunkSize   int64
}

// VerifyResponse answers "do you already have this?" for either a chunk or
// a whole file (§4.5, §6 PATCH /verify response).
type VerifyResponse struct {
	HasFile bool
	// Rest holds the digests not yet known to the server, only meaningful
	// for a HashFile verify (§4.4 step 3).
	Rest []string
	// URL is set when HasFile is true for a HashFile verify: the
	// already-materialized artifact location.
	URL string
}

// ChunkTransfer describes one chunk being handed to TransferChunk.
type ChunkTransfer struct {
	Index  int
	Digest string
	Start  int64
	End    int64
	Data   io.Reader
}

// ProgressFunc is invoked as chunk bytes are read during a transfer, with
// the cumulative byte count sent so far for that chunk.
type ProgressFunc func(sent int64)

// Transport is the adapter the upload controller depends on (§4.5).
// Implementations attach upload-token credentials themselves; none of the
// four operations takes a raw credential beyond the opaque token string
// returned by Initiate.
type Transport interface {
	// Initiate registers a new session and returns its token and the
	// server-authoritative chunk size.
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error)

	// Verify asks whether the given digest (chunk or whole-file) is
	// already known to the server.
	Verify(ctx context.Context, uploadToken, digest string, kind HashKind, chunkIndex *int) (VerifyResponse, error)

	// TransferChunk streams one chunk's bytes to the server, reporting
	// progress as it goes.
	TransferChunk(ctx context.Context, uploadToken string, c ChunkTransfer, onProgress ProgressFunc) error

	// Merge finalizes the session given the whole-file digest and the
	// ordered list of chunk digests, returning the artifact URL.
	Merge(ctx context.Context, uploadToken, fileHash string, orderedDigests []string) (string, error)
}
