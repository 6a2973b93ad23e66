// Package api implements the server side of §6: the HTTP protocol
// wiring C6 (session registry), C7 (chunk store), and C8 (assembly
// service) behind the envelope and route table §6 defines. Handler
// shape — a struct holding the collaborators, one method per route,
// json.Marshal into a shared envelope — mirrors cmd/restic/web's handlers
// (getWebSnapshots etc. against a package-level repository), generalized
// from a single global repo to an explicit Server so tests don't need
// process-wide state.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bigxfer/bigxfer/internal/apimodel"
	"github.com/bigxfer/bigxfer/internal/assembly"
	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/chunkstore"
	"github.com/bigxfer/bigxfer/internal/debug"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/sessions"
	"github.com/bigxfer/bigxfer/internal/token"
)

// Server holds every collaborator a handler needs: the session registry
// (C6), the chunk store (C7), the assembly service (C8), the token issuer,
// and the server-authoritative chunk size handed back from /create.
type Server struct {
	Registry  *sessions.Registry
	Store     *chunkstore.Store
	Assembly  *assembly.Service
	Tokens    *token.Issuer
	Algorithm digest.Algorithm

	// BaseURL prefixes the artifact URL §8 S1 checks against:
	// "<BaseURL>/file/<uploadId>/<fileName>".
	BaseURL string

	// ChunkSize is the server-authoritative chunk size returned from
	// /create; the client MUST adopt it (§4.2).
	ChunkSize int64

	// MaxUploadMemory bounds how much of a multipart /chunk body is
	// buffered in memory before spilling to a temp file (net/http/multipart
	// default behavior); chunk.MaxSize is the hard ceiling regardless.
	MaxUploadMemory int64
}

func (s *Server) now() time.Time { return time.Now().UTC() }

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err == nil {
			raw = b
		}
	}
	_ = json.NewEncoder(w).Encode(apimodel.Envelope{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, message string) {
	debug.Log("api: error %d: %s", status, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apimodel.Envelope{Success: false, Message: message})
}

// HandleCreate implements POST /create (§6): registers a new session
// and binds its metadata into an opaque token.
func (s *Server) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req apimodel.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.FileName == "" || req.FileSize <= 0 {
		writeError(w, http.StatusBadRequest, "fileName and fileSize are required")
		return
	}
	if req.FileSize > chunk.MaxArtifactSize {
		writeError(w, http.StatusBadRequest, "fileSize exceeds the maximum artifact size")
		return
	}

	uploadID := uuid.NewString()
	now := s.now()

	if _, err := s.Registry.Create(uploadID, req.FileName, req.FileSize, req.FileType, now); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tok, err := s.Tokens.Issue(uploadID, req.FileName, req.FileSize, req.FileType, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeEnvelope(w, http.StatusOK, apimodel.CreateResponse{
		UploadToken: tok,
		ChunkSize:   s.ChunkSize,
	})
}

// authenticate verifies the Upload-Token header and returns the bound
// uploadId, or writes an Authorization-class error (§7) and returns
// ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	tok := r.Header.Get(apimodel.HeaderUploadToken)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "missing Upload-Token")
		return "", false
	}
	claims, err := s.Tokens.Verify(tok)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			writeError(w, http.StatusUnauthorized, "upload token expired")
		} else {
			writeError(w, http.StatusUnauthorized, "invalid upload token")
		}
		return "", false
	}
	return claims.UploadID, true
}

// HandleVerify implements PATCH /verify (§6, §4.5): answers whether a
// chunk or whole-file digest is already known to the server.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	hash := r.Header.Get(apimodel.HeaderUploadHash)
	kind := r.Header.Get(apimodel.HeaderUploadHashType)
	if hash == "" || (kind != apimodel.HashTypeChunk && kind != apimodel.HashTypeFile) {
		writeError(w, http.StatusBadRequest, "Upload-Hash and a valid Upload-Hash-Type are required")
		return
	}

	if kind == apimodel.HashTypeChunk {
		exists, err := s.Store.Exists(r.Context(), hash)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeEnvelope(w, http.StatusOK, apimodel.VerifyResponse{HasFile: exists})
		return
	}

	// HashTypeFile: whole-file dedup lookup.
	if sess, found, err := s.Registry.FindByFileHash(hash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if found {
		writeEnvelope(w, http.StatusOK, apimodel.VerifyResponse{HasFile: true, URL: sess.ArtifactURL})
		return
	}

	// Not a known whole-file hash. §9's documented open question:
	// the reference reads metadata.chunks off the *current, not-yet-merged*
	// session to compute rest, but chunks is only ever populated at merge —
	// so rest is always empty here. Preserved as-specified rather than
	// "fixed", per §9's explicit instruction not to infer different
	// intent.
	sess, err := s.Registry.Get(uploadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown upload session")
		return
	}
	writeEnvelope(w, http.StatusOK, apimodel.VerifyResponse{HasFile: false, Rest: sess.Chunks})
}

// HandleChunk implements POST /chunk (§6, §4.6): accepts one chunk's
// bytes, verifies its digest, and writes it into the chunk store
// idempotently.
func (s *Server) HandleChunk(w http.ResponseWriter, r *http.Request) {
	_, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	maxMem := s.MaxUploadMemory
	if maxMem <= 0 {
		maxMem = 32 << 20
	}
	if err := r.ParseMultipartForm(maxMem); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	claimedHash := r.FormValue(apimodel.FieldChunkHash)
	if claimedHash == "" {
		writeError(w, http.StatusBadRequest, "chunkHash is required")
		return
	}

	file, _, err := r.FormFile(apimodel.FieldChunk)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk field is required")
		return
	}
	defer file.Close()

	data, err := readLimited(file, chunk.MaxSize+1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if int64(len(data)) > chunk.MaxSize {
		writeError(w, http.StatusBadRequest, "chunk exceeds maximum size")
		return
	}

	if err := s.Store.Put(r.Context(), claimedHash, data); err != nil {
		if errors.Is(err, chunkstore.ErrIntegrity) {
			writeError(w, http.StatusBadRequest, "chunk digest mismatch")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeEnvelope(w, http.StatusOK, struct{}{})
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, errors.Wrap(err, "read chunk body")
	}
	return data, nil
}

// HandleMerge implements POST /merge (§6, §4.6): finalizes the
// session record with the ordered chunk digest list and whole-file
// digest, then returns the artifact URL.
func (s *Server) HandleMerge(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req apimodel.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.FileHash == "" || len(req.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, "fileHash and a non-empty chunks list are required")
		return
	}

	sess, err := s.Registry.Get(uploadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown upload session")
		return
	}

	for _, dig := range req.Chunks {
		exists, err := s.Store.Exists(r.Context(), dig)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !exists {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("missing chunk %s at merge", dig))
			return
		}
	}

	artifactURL := fmt.Sprintf("%s/file/%s/%s", s.BaseURL, uploadID, sess.FileName)

	updated, err := s.Registry.Complete(uploadID, req.FileHash, req.Chunks, artifactURL, s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeEnvelope(w, http.StatusOK, apimodel.MergeResponse{URL: updated.ArtifactURL})
}

// HandleFile implements GET /file/:uploadId/:fileName (§6, §4.7):
// streams the materialized artifact, materializing it on first request.
func (s *Server) HandleFile(w http.ResponseWriter, r *http.Request, uploadID, fileName string) {
	sess, err := s.Registry.Get(uploadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown upload session")
		return
	}
	if sess.Status != apimodel.StatusCompleted {
		writeError(w, http.StatusConflict, "upload is not complete")
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(sess.FileSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	// Headers are already written: a streaming failure from here on cannot
	// change the response status (§7, C8 streaming error handling);
	// we can only stop writing and let the connection truncate.
	if err := s.Assembly.Stream(r.Context(), sess, w); err != nil {
		debug.Log("api: assembly stream for %s failed: %v", uploadID, err)
	}
}

// HandleProgress implements GET /progress/:uploadId, a supplemented route:
// §6 names it without specifying a response body. TotalChunks and
// StoredChunks are only meaningful once a session is completed: the
// server has no reliable per-chunk membership list before merge (the
// documented limitation of §9 applies here too — chunks is only
// populated at merge), so they read zero while a session is still
// uploading rather than fabricate a count the server cannot verify.
func (s *Server) HandleProgress(w http.ResponseWriter, r *http.Request, uploadID string) {
	sess, err := s.Registry.Get(uploadID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown upload session")
		return
	}

	resp := apimodel.ProgressResponse{
		UploadID:    sess.UploadID,
		FileName:    sess.FileName,
		FileSize:    sess.FileSize,
		Status:      sess.Status,
		TotalChunks: len(sess.Chunks),
	}
	if sess.Status == apimodel.StatusCompleted {
		resp.StoredChunks = len(sess.Chunks)
		resp.ArtifactURL = sess.ArtifactURL
	}

	writeEnvelope(w, http.StatusOK, resp)
}
