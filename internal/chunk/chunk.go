// Package chunk defines the chunk descriptor and source-file contract
// shared by the splitter, the upload controller, and the chunk store —
// the "chunk descriptor" and size limits of §3 and §6.
package chunk

import "io"

const (
	// DefaultChunkSize is the target piece size a session starts with,
	// before any server-provided override (§4.2, §6).
	DefaultChunkSize = 5 * 1024 * 1024

	// MaxSize is the largest single chunk the store will accept (§6).
	MaxSize = 50 * 1024 * 1024

	// MaxArtifactSize is the largest assembled file the store will
	// materialize (§6).
	MaxArtifactSize = 10 * 1024 * 1024 * 1024
)

// Source is a chunk splitter's input: a random-access byte range with a
// known length. An *os.File satisfies this directly.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Descriptor is the chunk descriptor of §3: index, half-open byte
// range, and (once fingerprinted) its digest. Bytes are never carried on
// the descriptor itself — they are materialized lazily by reading
// [Start, End) from the Source, to keep memory bounded regardless of file
// size (§4.2).
type Descriptor struct {
	Index  int
	Start  int64
	End    int64
	Digest string
}

// Size returns the byte length of the descriptor's range.
func (d Descriptor) Size() int64 { return d.End - d.Start }

// NumChunks returns N = ceil(size/chunkSize), the chunk count for a file of
// the given size under chunkSize (§4.2). A non-positive size yields
// zero chunks.
func NumChunks(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Descriptors computes the full ordered set of chunk descriptors for a file
// of the given size under chunkSize, with digests left unset. index is
// dense and unique, start = index*chunkSize, and the last chunk may be
// shorter (§3).
func Descriptors(size, chunkSize int64) []Descriptor {
	n := NumChunks(size, chunkSize)
	out := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		out[i] = Descriptor{Index: i, Start: start, End: end}
	}
	return out
}
