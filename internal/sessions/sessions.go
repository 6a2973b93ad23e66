// Package sessions implements C6, the server-side session registry: the
// persisted per-upload record of §3, written on initiate and updated
// atomically at merge, plus the fileHash->uploadId secondary index
// §4.6 recommends ("SHOULD maintain ... to avoid O(N) scans").
//
// Persistence follows restic's local backend idiom of writing through a
// temp file and renaming into place (internal/backend/local/local.go's
// Save), adapted from chunk-object writes to JSON session records.
package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bigxfer/bigxfer/internal/apimodel"
	"github.com/bigxfer/bigxfer/internal/errors"
)

// ErrNotFound is returned by Get when no session exists for the given id.
var ErrNotFound = errors.New("sessions: not found")

// Session is the server-side persisted record of §3: "{uploadId,
// fileName, fileSize, fileType, status, chunks, fileHash, artifactUrl,
// createdAt, updatedAt}". Status = completed iff Chunks is non-empty AND
// FileHash set AND ArtifactURL set — Registry.Complete is the only path
// that establishes all three together, so that invariant always holds by
// construction.
type Session struct {
	UploadID    string                 `json:"uploadId"`
	FileName    string                 `json:"fileName"`
	FileSize    int64                  `json:"fileSize"`
	FileType    string                 `json:"fileType"`
	Status      apimodel.SessionStatus `json:"status"`
	Chunks      []string               `json:"chunks"`
	FileHash    string                 `json:"fileHash,omitempty"`
	ArtifactURL string                 `json:"artifactUrl,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// indexCacheSize bounds the secondary index's memory footprint; a miss
// just falls back to a directory scan, so this is a pure optimization
// (§4.6: "correctness does not require it").
const indexCacheSize = 4096

// Registry persists Session records under dir/<uploadId>.json, one file
// per session (§6 Persisted layout: "uploads/metadata/<uploadId>.json").
type Registry struct {
	dir string

	mu    sync.Mutex
	index *lru.Cache[string, string] // fileHash -> uploadId
}

// NewRegistry builds a Registry rooted at dir, creating it if necessary.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "sessions: create metadata dir")
	}
	idx, err := lru.New[string, string](indexCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "sessions: build index cache")
	}
	return &Registry{dir: dir, index: idx}, nil
}

func (r *Registry) path(uploadID string) string {
	return filepath.Join(r.dir, uploadID+".json")
}

// Create registers a new session in the uploading state with an empty
// chunk list (§4.6 "on initiate (status uploading, empty chunks)").
func (r *Registry) Create(uploadID, fileName string, fileSize int64, fileType string, now time.Time) (*Session, error) {
	s := &Session{
		UploadID:  uploadID,
		FileName:  fileName,
		FileSize:  fileSize,
		FileType:  fileType,
		Status:    apimodel.StatusUploading,
		Chunks:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get loads the session for uploadID.
func (r *Registry) Get(uploadID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(uploadID)
}

// Complete finalizes a session at merge: populated ordered chunk digests,
// the whole-file digest, and the materialized artifact URL, all written
// atomically in one record (§4.6 "on merge (status completed,
// populated chunks, fileHash, artifactUrl)"). The secondary index is
// updated in the same call so a subsequent whole-file Verify finds it
// without a scan.
func (r *Registry) Complete(uploadID, fileHash string, chunks []string, artifactURL string, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.read(uploadID)
	if err != nil {
		return nil, err
	}

	s.Status = apimodel.StatusCompleted
	s.Chunks = chunks
	s.FileHash = fileHash
	s.ArtifactURL = artifactURL
	s.UpdatedAt = now

	if err := r.write(s); err != nil {
		return nil, err
	}
	r.index.Add(fileHash, uploadID)
	return s, nil
}

// FindByFileHash looks up a completed session by its whole-file digest —
// the lookup §4.4 step 3 needs to answer a whole-file Verify. The LRU
// index is checked first; on a miss it falls back to scanning the metadata
// directory, since "correctness does not require" the index (§4.6).
func (r *Registry) FindByFileHash(fileHash string) (*Session, bool, error) {
	r.mu.Lock()
	if uploadID, ok := r.index.Get(fileHash); ok {
		s, err := r.read(uploadID)
		r.mu.Unlock()
		if err == nil && s.Status == apimodel.StatusCompleted && s.FileHash == fileHash {
			return s, true, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		// stale index entry: fall through to a scan below.
	} else {
		r.mu.Unlock()
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, false, errors.Wrap(err, "sessions: scan metadata dir")
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		uploadID := trimJSON(e.Name())

		r.mu.Lock()
		s, err := r.read(uploadID)
		r.mu.Unlock()
		if err != nil {
			continue
		}
		if s.Status == apimodel.StatusCompleted && s.FileHash == fileHash {
			r.mu.Lock()
			r.index.Add(fileHash, uploadID)
			r.mu.Unlock()
			return s, true, nil
		}
	}

	return nil, false, nil
}

// read loads and decodes the record for uploadID. Callers must hold r.mu.
func (r *Registry) read(uploadID string) (*Session, error) {
	data, err := os.ReadFile(r.path(uploadID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sessions: read")
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "sessions: decode")
	}
	return &s, nil
}

// write atomically persists s via a temp file and rename. Callers must
// hold r.mu.
func (r *Registry) write(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "sessions: encode")
	}

	dst := r.path(s.UploadID)
	tmp, err := os.CreateTemp(r.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "sessions: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sessions: write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "sessions: close")
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "sessions: rename")
	}
	return nil
}

func trimJSON(name string) string {
	const suffix = ".json"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}
