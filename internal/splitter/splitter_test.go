package splitter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/digest"
)

// memSource adapts a byte slice to chunk.Source for tests.
type memSource struct {
	data []byte
}

func (m memSource) Size() int64 { return int64(len(m.data)) }

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m.data).ReadAt(p, off)
}

func drainAll(t *testing.T, s *Splitter) ([]chunk.Descriptor, string) {
	t.Helper()

	var got []chunk.Descriptor
	var whole string

	timeout := time.After(5 * time.Second)
	batchesOpen, wholeOpen, drainOpen := true, true, true

	for batchesOpen || wholeOpen || drainOpen {
		select {
		case b, ok := <-s.Batches():
			if !ok {
				batchesOpen = false
				continue
			}
			got = append(got, b.Chunks...)
		case w, ok := <-s.WholeHash():
			if !ok {
				wholeOpen = false
				continue
			}
			whole = w
		case _, ok := <-s.Drain():
			if !ok {
				drainOpen = false
			}
		case err := <-s.Errs():
			if err != nil {
				t.Fatalf("splitter error: %v", err)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for splitter to drain")
		}
	}

	return got, whole
}

func byIndex(descs []chunk.Descriptor) []chunk.Descriptor {
	out := make([]chunk.Descriptor, len(descs))
	copy(out, descs)
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Index < out[i].Index {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func TestSplitSingleChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 1024)
	s := New(memSource{data}, Config{ChunkSize: chunk.DefaultChunkSize})
	s.Split(context.Background())

	got, whole := drainAll(t, s)
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(got))
	}
	if got[0].Start != 0 || got[0].End != 1024 {
		t.Fatalf("unexpected chunk range: %+v", got[0])
	}
	if whole == "" {
		t.Fatalf("expected a non-empty whole-file digest")
	}
}

func TestSplitExactMultiple(t *testing.T) {
	size := 10 * 1024 * 1024
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	chunkSize := int64(5 * 1024 * 1024)

	s := New(memSource{data}, Config{ChunkSize: chunkSize})
	s.Split(context.Background())

	got, _ := drainAll(t, s)
	got = byIndex(got)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Size() != chunkSize || got[1].Size() != chunkSize {
		t.Fatalf("expected two equal-sized chunks, got %+v", got)
	}
}

func TestSplitUnevenLastChunk(t *testing.T) {
	size := 12 * 1024 * 1024
	data := make([]byte, size)
	chunkSize := int64(5 * 1024 * 1024)

	s := New(memSource{data}, Config{ChunkSize: chunkSize})
	s.Split(context.Background())

	got, _ := drainAll(t, s)
	got = byIndex(got)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if last := got[2]; last.End-last.Start != 2*1024*1024 {
		t.Fatalf("expected last chunk of 2 MiB, got %d", last.End-last.Start)
	}
}

func TestParallelAndInlineAgreeOnWholeHash(t *testing.T) {
	size := 12 * 1024 * 1024
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	chunkSize := int64(5 * 1024 * 1024)

	inline := New(memSource{data}, Config{ChunkSize: chunkSize, Parallel: false})
	inline.Split(context.Background())
	_, inlineHash := drainAll(t, inline)

	parallel := New(memSource{data}, Config{ChunkSize: chunkSize, Parallel: true, MaxWorkers: 4})
	parallel.Split(context.Background())
	_, parallelHash := drainAll(t, parallel)

	if inlineHash != parallelHash {
		t.Fatalf("inline and parallel whole-file digests disagree: %s != %s", inlineHash, parallelHash)
	}

	// Whole-file digest must be the fold of per-chunk digests in index order,
	// not a hash of the raw bytes (§4.1, §9).
	raw := digest.Of(digest.MD5, data)
	if inlineHash == raw {
		t.Fatalf("whole-file digest must not equal the raw-bytes digest")
	}
}

func TestSplitIsSingleShot(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 100)
	s := New(memSource{data}, Config{ChunkSize: chunk.DefaultChunkSize})

	s.Split(context.Background())
	s.Split(context.Background()) // must be a no-op, not a second run

	got, _ := drainAll(t, s)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 chunk across both Split calls, got %d", len(got))
	}
}
