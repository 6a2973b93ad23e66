// Package splitter implements C2, the chunk splitter: it turns a source
// file into an ordered, lazily-digested stream of chunk descriptors,
// dispatching the digest work across a worker pool the way restic's
// archiver dispatches file-saving work across file_saver/blob_saver workers
// (§4.2).
package splitter

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/errors"
)

// Batch is a group of descriptors that finished digesting together. Batches
// may arrive out of order across workers; each descriptor still carries its
// own Index (§4.2 "Ordering").
type Batch struct {
	Chunks []chunk.Descriptor
}

// inlineBatchSize bounds how much work an inline (non-parallel) run does
// before yielding, so the calling goroutine stays responsive (§4.2
// "Fallback").
const inlineBatchSize = 16

// Config configures a Splitter.
type Config struct {
	// ChunkSize is S, the target piece size. Defaults to chunk.DefaultChunkSize.
	ChunkSize int64

	// Algorithm is the fingerprint algorithm. Defaults to digest.MD5.
	Algorithm digest.Algorithm

	// MaxWorkers bounds H, the digest worker pool size. Zero means
	// runtime.GOMAXPROCS(0), matching automaxprocs' container-aware value
	// when wired in by the CLI entry point.
	MaxWorkers int

	// Parallel selects the worker-pool digester. False runs the inline
	// fallback with cooperative yielding (§4.2 "Fallback").
	Parallel bool
}

// Splitter produces the lazy, index-ordered emission of digested chunk
// descriptors described by §4.2.
type Splitter struct {
	src chunk.Source
	cfg Config

	batches   chan Batch
	wholeHash chan string
	drain     chan struct{}
	errs      chan error

	once sync.Once
}

// New constructs a Splitter over src. Split must be called to begin work.
func New(src chunk.Source, cfg Config) *Splitter {
	if cfg.Algorithm == nil {
		cfg.Algorithm = digest.MD5
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultChunkSize
	}

	return &Splitter{
		src:       src,
		cfg:       cfg,
		batches:   make(chan Batch, 64),
		wholeHash: make(chan string, 1),
		drain:     make(chan struct{}),
		errs:      make(chan error, 1),
	}
}

// Batches returns the channel of incremental digested batches. It is closed
// once every descriptor has been digested (or a read failure occurred).
func (s *Splitter) Batches() <-chan Batch { return s.batches }

// WholeHash returns the channel the whole-file digest is sent on, exactly
// once, after every batch has drained and only if no read failure occurred.
func (s *Splitter) WholeHash() <-chan string { return s.wholeHash }

// Drain returns a channel closed once the splitter has finished — the
// terminal signal of §4.2, emitted whether or not a read failure
// occurred.
func (s *Splitter) Drain() <-chan struct{} { return s.drain }

// Errs returns the channel a read failure is sent on, per §4.1's "the
// engine itself never retries" — the splitter surfaces it and stops.
func (s *Splitter) Errs() <-chan error { return s.errs }

// Split begins splitting in the background. It is single-shot: a second
// call on the same Splitter is a no-op (§4.2 "Idempotence").
func (s *Splitter) Split(ctx context.Context) {
	s.once.Do(func() {
		go s.run(ctx)
	})
}

func (s *Splitter) run(ctx context.Context) {
	defer close(s.drain)
	defer close(s.errs)

	descriptors := chunk.Descriptors(s.src.Size(), s.cfg.ChunkSize)
	digests := make([]string, len(descriptors))

	var err error
	if s.cfg.Parallel && len(descriptors) > 1 {
		err = s.runParallel(ctx, descriptors, digests)
	} else {
		err = s.runInline(descriptors, digests)
	}
	if err != nil {
		s.errs <- err
		return
	}

	s.wholeHash <- digest.Fold(s.cfg.Algorithm, digests)
	close(s.wholeHash)
}

func (s *Splitter) digestOne(d chunk.Descriptor) (chunk.Descriptor, error) {
	buf := make([]byte, d.Size())
	if _, err := s.src.ReadAt(buf, d.Start); err != nil {
		return chunk.Descriptor{}, errors.Wrapf(err, "splitter: read chunk %d", d.Index)
	}
	d.Digest = digest.Of(s.cfg.Algorithm, buf)
	return d, nil
}

// runParallel dispatches digest work to H = min(MaxWorkers, N) workers, each
// owning a contiguous slice of the descriptor list and emitting its own
// Batch as soon as it finishes — mirroring the per-worker result channel in
// restic's internal/archiver/blob_saver.go, but partitioned by range instead
// of pulled from a shared channel, since the full descriptor list is known
// up front.
func (s *Splitter) runParallel(ctx context.Context, descriptors []chunk.Descriptor, digests []string) error {
	h := s.cfg.MaxWorkers
	if h <= 0 {
		h = runtime.GOMAXPROCS(0)
	}
	if h > len(descriptors) {
		h = len(descriptors)
	}
	if h < 1 {
		h = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	batchSize := (len(descriptors) + h - 1) / h

	for lo := 0; lo < len(descriptors); lo += batchSize {
		hi := lo + batchSize
		if hi > len(descriptors) {
			hi = len(descriptors)
		}
		part := descriptors[lo:hi]

		g.Go(func() error {
			out := make([]chunk.Descriptor, 0, len(part))
			for _, d := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				dd, err := s.digestOne(d)
				if err != nil {
					return err
				}
				digests[dd.Index] = dd.Digest
				out = append(out, dd)
			}
			s.batches <- Batch{Chunks: out}
			return nil
		})
	}

	err := g.Wait()
	close(s.batches)
	return err
}

// runInline digests everything on the calling goroutine in small batches,
// yielding between each so the caller's thread stays responsive — the
// fallback path of §4.2 when "the parallel facility is unavailable".
func (s *Splitter) runInline(descriptors []chunk.Descriptor, digests []string) error {
	defer close(s.batches)

	for i := 0; i < len(descriptors); i += inlineBatchSize {
		end := i + inlineBatchSize
		if end > len(descriptors) {
			end = len(descriptors)
		}

		out := make([]chunk.Descriptor, 0, end-i)
		for _, d := range descriptors[i:end] {
			dd, err := s.digestOne(d)
			if err != nil {
				return err
			}
			digests[dd.Index] = dd.Digest
			out = append(out, dd)
		}
		s.batches <- Batch{Chunks: out}
		runtime.Gosched()
	}

	return nil
}
