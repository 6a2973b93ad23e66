package uploadclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/transport"
)

// memSource is an in-memory chunk.Source for tests.
type memSource struct{ data []byte }

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m.data[off:]).Read(p)
}
func (m memSource) Size() int64 { return int64(len(m.data)) }

// fakeTransport is an in-memory transport.Transport backed by a shared
// store of chunk digests and completed whole-file digests, enough to
// drive the controller through the real protocol without HTTP.
type fakeTransport struct {
	mu            sync.Mutex
	chunks        map[string]bool
	files         map[string]string // wholeHash -> url
	chunkCalls    int
	failFirstN    map[int]int // chunk index -> failures remaining
	mergeCalls    int
	lastMergeDigs []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		chunks:     make(map[string]bool),
		files:      make(map[string]string),
		failFirstN: make(map[int]int),
	}
}

func (f *fakeTransport) Initiate(ctx context.Context, req transport.InitiateRequest) (transport.InitiateResponse, error) {
	return transport.InitiateResponse{UploadToken: "tok-" + req.FileName, ChunkSize: 0}, nil
}

func (f *fakeTransport) Verify(ctx context.Context, uploadToken, digestStr string, kind transport.HashKind, chunkIndex *int) (transport.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if kind == transport.HashFile {
		if url, ok := f.files[digestStr]; ok {
			return transport.VerifyResponse{HasFile: true, URL: url}, nil
		}
		return transport.VerifyResponse{HasFile: false}, nil
	}

	return transport.VerifyResponse{HasFile: f.chunks[digestStr]}, nil
}

func (f *fakeTransport) TransferChunk(ctx context.Context, uploadToken string, c transport.ChunkTransfer, onProgress transport.ProgressFunc) error {
	f.mu.Lock()
	if n := f.failFirstN[c.Index]; n > 0 {
		f.failFirstN[c.Index] = n - 1
		f.mu.Unlock()
		return fmt.Errorf("simulated transient failure for chunk %d", c.Index)
	}
	f.mu.Unlock()

	data, err := io.ReadAll(c.Data)
	if err != nil {
		return err
	}
	if digest.Of(digest.MD5, data) != c.Digest {
		return fmt.Errorf("chunk %d: digest mismatch", c.Index)
	}

	f.mu.Lock()
	f.chunkCalls++
	f.chunks[c.Digest] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Merge(ctx context.Context, uploadToken, fileHash string, orderedDigests []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	f.lastMergeDigs = orderedDigests
	url := "/api/upload/file/" + uploadToken + "/artifact"
	f.files[fileHash] = url
	return url, nil
}

func mkFile(size int, fill func(i int) byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill(i)
	}
	return b
}

func TestControllerSingleChunkCompletes(t *testing.T) {
	data := mkFile(1024, func(i int) byte { return 0xAA })
	ft := newFakeTransport()

	ctrl := New(memSource{data}, transport.InitiateRequest{FileName: "a.bin", FileSize: int64(len(data))}, Config{
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 2,
		RetryCount:  3,
		Transport:   ft,
	})

	var gotURL string
	var gotErr error
	ctrl.OnComplete = func(url string) { gotURL = url }
	ctrl.OnError = func(err error) { gotErr = err }

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotErr != nil {
		t.Fatalf("unexpected OnError: %v", gotErr)
	}
	if gotURL == "" {
		t.Fatalf("expected OnComplete to fire with a URL")
	}
	if ctrl.State() != Completed {
		t.Fatalf("state = %v, want Completed", ctrl.State())
	}
	if ft.chunkCalls != 1 {
		t.Fatalf("chunkCalls = %d, want 1", ft.chunkCalls)
	}
	if ft.mergeCalls != 1 {
		t.Fatalf("mergeCalls = %d, want 1", ft.mergeCalls)
	}
}

func TestControllerWholeFileDedupSkipsChunkTransfer(t *testing.T) {
	data := mkFile(10*1024*1024, func(i int) byte { return byte(i) })
	ft := newFakeTransport()

	first := New(memSource{data}, transport.InitiateRequest{FileName: "b.bin", FileSize: int64(len(data))}, Config{
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 4,
		RetryCount:  1,
		Transport:   ft,
	})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if ft.chunkCalls != 2 {
		t.Fatalf("first upload chunkCalls = %d, want 2", ft.chunkCalls)
	}

	second := New(memSource{data}, transport.InitiateRequest{FileName: "b.bin", FileSize: int64(len(data))}, Config{
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 4,
		RetryCount:  1,
		Transport:   ft,
	})
	var completed bool
	second.OnComplete = func(string) { completed = true }
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !completed {
		t.Fatalf("expected second session to complete via whole-file dedup")
	}
	if ft.chunkCalls != 2 {
		t.Fatalf("chunkCalls after dedup = %d, want still 2 (no new /chunk calls)", ft.chunkCalls)
	}
}

func TestControllerRetryThenSuccess(t *testing.T) {
	data := mkFile(1024, func(i int) byte { return byte(i) })
	ft := newFakeTransport()
	ft.failFirstN[0] = 2 // fails twice, succeeds on the third attempt

	ctrl := New(memSource{data}, transport.InitiateRequest{FileName: "c.bin", FileSize: int64(len(data))}, Config{
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 1,
		RetryCount:  3,
		RetryDelay:  time.Millisecond,
		Transport:   ft,
	})

	var gotErr error
	ctrl.OnError = func(err error) { gotErr = err }

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if ctrl.State() != Completed {
		t.Fatalf("state = %v, want Completed", ctrl.State())
	}
}

func TestControllerRetryExhaustionErrors(t *testing.T) {
	data := mkFile(1024, func(i int) byte { return byte(i) })
	ft := newFakeTransport()
	ft.failFirstN[0] = 10 // more failures than RetryCount allows

	ctrl := New(memSource{data}, transport.InitiateRequest{FileName: "d.bin", FileSize: int64(len(data))}, Config{
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 1,
		RetryCount:  2,
		RetryDelay:  time.Millisecond,
		Transport:   ft,
	})

	err := ctrl.Start(context.Background())
	if err == nil {
		t.Fatalf("expected Start to return an error after retry exhaustion")
	}
	if ctrl.State() != Error {
		t.Fatalf("state = %v, want Error", ctrl.State())
	}
	if ft.mergeCalls != 0 {
		t.Fatalf("mergeCalls = %d, want 0 after a failed session", ft.mergeCalls)
	}
}

func TestControllerPartialResumeTransfersOnlyMissing(t *testing.T) {
	data := mkFile(10*1024*1024, func(i int) byte { return byte(i * 3) })
	ft := newFakeTransport()

	// Pre-populate the store with chunk 0's digest, as if a prior session
	// had already uploaded it.
	descs := chunk.Descriptors(int64(len(data)), 5*1024*1024)
	buf := make([]byte, descs[0].Size())
	_, _ = memSource{data}.ReadAt(buf, descs[0].Start)
	ft.chunks[digest.Of(digest.MD5, buf)] = true

	ctrl := New(memSource{data}, transport.InitiateRequest{FileName: "e.bin", FileSize: int64(len(data))}, Config{
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 4,
		RetryCount:  1,
		Transport:   ft,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ft.chunkCalls != 1 {
		t.Fatalf("chunkCalls = %d, want 1 (only the missing chunk transferred)", ft.chunkCalls)
	}
}
