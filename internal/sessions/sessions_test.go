package sessions_test

import (
	"testing"
	"time"

	"github.com/bigxfer/bigxfer/internal/apimodel"
	"github.com/bigxfer/bigxfer/internal/sessions"
)

func TestCreateThenGet(t *testing.T) {
	reg, err := sessions.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	now := time.Now().UTC()
	created, err := reg.Create("up-1", "file.bin", 1024, "application/octet-stream", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != apimodel.StatusUploading {
		t.Fatalf("status = %v, want uploading", created.Status)
	}
	if len(created.Chunks) != 0 {
		t.Fatalf("expected empty chunks on create")
	}

	got, err := reg.Get("up-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileName != "file.bin" || got.FileSize != 1024 {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestCompleteEstablishesInvariant(t *testing.T) {
	reg, err := sessions.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	now := time.Now().UTC()
	if _, err := reg.Create("up-2", "f.bin", 10, "text/plain", now); err != nil {
		t.Fatalf("Create: %v", err)
	}

	completed, err := reg.Complete("up-2", "deadbeef", []string{"aaa", "bbb"}, "http://example/file/up-2/f.bin", now)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.Status != apimodel.StatusCompleted {
		t.Fatalf("status = %v, want completed", completed.Status)
	}
	if completed.FileHash == "" || completed.ArtifactURL == "" || len(completed.Chunks) == 0 {
		t.Fatalf("completed session missing required fields: %+v", completed)
	}
}

func TestFindByFileHash(t *testing.T) {
	reg, err := sessions.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	now := time.Now().UTC()
	if _, err := reg.Create("up-3", "g.bin", 10, "text/plain", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Complete("up-3", "hash-xyz", []string{"c1"}, "http://example/file/up-3/g.bin", now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	sess, found, err := reg.FindByFileHash("hash-xyz")
	if err != nil {
		t.Fatalf("FindByFileHash: %v", err)
	}
	if !found {
		t.Fatalf("expected to find session by file hash")
	}
	if sess.UploadID != "up-3" {
		t.Fatalf("uploadID = %s, want up-3", sess.UploadID)
	}

	if _, found, err := reg.FindByFileHash("nonexistent"); err != nil || found {
		t.Fatalf("FindByFileHash(nonexistent) = %v, %v, want false, nil", found, err)
	}
}

func TestGetUnknownSessionErrors(t *testing.T) {
	reg, err := sessions.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Get("nope"); err == nil {
		t.Fatalf("expected an error for an unknown session")
	}
}
