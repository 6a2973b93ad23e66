// Package uploadclient implements C4, the upload controller: it drives a
// single upload session through the state machine of §4.4 —
// initiate, per-chunk verify/transfer via the scheduler, whole-file
// dedup check, and merge — owning progress accounting and the per-chunk
// retry policy. It is the client-side counterpart to restic's archiver,
// which drives a backup through save/scan/upload via a comparable
// worker-pool-plus-progress-accounting shape
// (internal/archiver/archiver.go, internal/archiver/file_saver.go).
package uploadclient

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/scheduler"
	"github.com/bigxfer/bigxfer/internal/splitter"
	"github.com/bigxfer/bigxfer/internal/transport"
)

// State is the controller's position in the §4.4 state machine.
type State int

const (
	Idle State = iota
	Splitting
	Uploading
	Paused
	Merging
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Splitting:
		return "splitting"
	case Uploading:
		return "uploading"
	case Paused:
		return "paused"
	case Merging:
		return "merging"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a Controller (§4.4 "Configuration (recognized
// options)").
type Config struct {
	// ChunkSize is the client's requested target piece size; the server's
	// response to Initiate is authoritative and overrides it (§4.2).
	ChunkSize int64
	// Concurrency is K, the scheduler's max in-flight transfers.
	Concurrency int
	// RetryCount is the max retries per chunk.
	RetryCount int
	// RetryDelay is the base retry delay (§4.4 retry policy).
	RetryDelay time.Duration
	// EnableMultiThread selects the splitter's parallel digest workers.
	EnableMultiThread bool
	// Algorithm is the fingerprint algorithm; defaults to digest.MD5.
	Algorithm digest.Algorithm
	// Transport is the adapter driving the four wire operations (C5).
	Transport transport.Transport
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunk.DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Algorithm == nil {
		c.Algorithm = digest.MD5
	}
	return c
}

// Progress is the accounting snapshot emitted after every chunk completes
// (§4.4 "Progress accounting").
type Progress struct {
	Loaded          int64
	Total           int64
	Percentage      float64
	Speed           float64 // bytes/sec, 0 if not yet measurable
	RemainingTime   time.Duration
	UploadedChunks  int
	TotalChunks     int
}

// Controller drives one upload session through the §4.4 state
// machine. Callers set the On* hooks before calling Start; hooks are
// invoked from whichever goroutine observes the transition, so they
// should not block.
type Controller struct {
	cfg Config
	src chunk.Source
	req transport.InitiateRequest

	OnStatusChange func(State)
	OnProgress     func(Progress)
	OnComplete     func(url string)
	OnError        func(error)

	mu             sync.Mutex
	state          State
	uploadToken    string
	chunkSize      int64
	chunks         []chunk.Descriptor
	uploadedChunks map[int]bool
	failedChunks   map[int]int
	uploadedBytes  int64
	wholeHash      string
	wholeHashKnown bool
	drained        bool
	done           bool
	cancelled      bool

	progressWindowStart time.Time
	progressWindowBytes int64

	sched    *scheduler.Scheduler
	split    *splitter.Splitter
	cancel   context.CancelFunc
	fatalCh  chan error
	drainCh  chan struct{}
}

// New constructs a Controller for uploading src, described by req, with
// cfg. Start must be called to begin the session.
func New(src chunk.Source, req transport.InitiateRequest, cfg Config) *Controller {
	return &Controller{
		cfg:            cfg.withDefaults(),
		src:            src,
		req:            req,
		state:          Idle,
		uploadedChunks: make(map[int]bool),
		failedChunks:   make(map[int]int),
		fatalCh:        make(chan error, 1),
		drainCh:        make(chan struct{}, 1),
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}

// Start runs the upload session to completion, blocking until the
// controller reaches Completed, Error, or is cancelled. It implements the
// "Start protocol" of §4.4 end to end.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.setState(Splitting)

	initResp, err := c.cfg.Transport.Initiate(ctx, c.req)
	if err != nil {
		return c.fail(errors.Wrap(err, "uploadclient: initiate"))
	}
	c.mu.Lock()
	c.uploadToken = initResp.UploadToken
	c.chunkSize = initResp.ChunkSize
	if c.chunkSize <= 0 {
		c.chunkSize = c.cfg.ChunkSize
	}
	c.chunks = chunk.Descriptors(c.req.FileSize, c.chunkSize)
	totalChunks := len(c.chunks)
	c.mu.Unlock()

	c.sched = scheduler.New(c.cfg.Concurrency)
	c.sched.OnDrain = func() {
		select {
		case c.drainCh <- struct{}{}:
		default:
		}
	}

	c.split = splitter.New(c.src, splitter.Config{
		ChunkSize:  c.chunkSize,
		Algorithm:  c.cfg.Algorithm,
		MaxWorkers: 0,
		Parallel:   c.cfg.EnableMultiThread,
	})
	c.split.Split(ctx)

	if totalChunks == 0 {
		// Degenerate empty file: nothing to split or transfer, fold of
		// zero digests still yields a deterministic whole-file hash.
		return c.handleWholeHash(ctx, digest.Fold(c.cfg.Algorithm, nil))
	}

	return c.run(ctx)
}

func (c *Controller) run(ctx context.Context) error {
	batches := c.split.Batches()
	wholeHashCh := c.split.WholeHash()
	splitErrs := c.split.Errs()

	firstBatch := true

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			cancelled := c.cancelled
			c.mu.Unlock()
			if cancelled {
				c.setState(Idle)
				return nil
			}
			return c.fail(ctx.Err())

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			if firstBatch {
				c.setState(Uploading)
				firstBatch = false
			}
			for _, d := range batch.Chunks {
				c.mu.Lock()
				c.chunks[d.Index] = d
				c.mu.Unlock()
				c.sched.AddAndStart(c.chunkTask(d))
			}

		case h, ok := <-wholeHashCh:
			wholeHashCh = nil
			if !ok {
				continue
			}
			if res, done := c.settleWholeHash(ctx, h); done {
				return res
			}

		case err, ok := <-splitErrs:
			if !ok {
				splitErrs = nil
				continue
			}
			if err != nil {
				return c.fail(errors.Wrap(err, "uploadclient: split"))
			}

		case <-c.drainCh:
			c.mu.Lock()
			c.drained = true
			c.mu.Unlock()
			if res, done := c.tryMerge(ctx); done {
				return res
			}

		case err := <-c.fatalCh:
			return c.fail(err)
		}
	}
}

// handleWholeHash drives the degenerate zero-chunk path directly, skipping
// the splitter/scheduler entirely.
func (c *Controller) handleWholeHash(ctx context.Context, h string) error {
	if res, done := c.settleWholeHash(ctx, h); done {
		return res
	}
	c.mu.Lock()
	c.drained = true
	c.mu.Unlock()
	if res, done := c.tryMerge(ctx); done {
		return res
	}
	return c.fail(errors.New("uploadclient: empty-file session did not complete"))
}

// settleWholeHash stores the whole-file digest and runs the dedup verify
// (§4.4 step 3). If the server reports the whole file already exists,
// this is the dedup short-circuit to success. §9 always returns an empty
// rest list, so there is nothing here to mark uploaded from it: a fresh
// chunk still needs its own transfer, and per-chunk dedup is already
// handled independently by runChunk's own chunk-level Verify call. Marking
// chunks uploaded here — before their task goroutine has had a chance to
// run — would race runChunk's uploadedChunks gate and skip real transfers.
func (c *Controller) settleWholeHash(ctx context.Context, h string) (error, bool) {
	c.mu.Lock()
	c.wholeHash = h
	c.wholeHashKnown = true
	c.mu.Unlock()

	vr, err := c.cfg.Transport.Verify(ctx, c.uploadToken, h, transport.HashFile, nil)
	if err != nil {
		return c.fail(errors.Wrap(err, "uploadclient: verify file")), true
	}

	if vr.HasFile {
		return c.succeed(ctx, vr.URL), true
	}

	if res, done := c.tryMerge(ctx); done {
		return res, true
	}
	return nil, false
}

// tryMerge checks §4.4 step 4's completion condition and, if met,
// performs the merge. The done return distinguishes "nothing to do yet"
// from "the session just reached a terminal outcome".
func (c *Controller) tryMerge(ctx context.Context) (error, bool) {
	c.mu.Lock()
	ready := c.drained && c.wholeHashKnown && c.allUploadedLocked() && !c.done
	wholeHash := c.wholeHash
	digests := c.orderedDigestsLocked()
	c.mu.Unlock()

	if !ready {
		return nil, false
	}

	c.setState(Merging)
	url, err := c.cfg.Transport.Merge(ctx, c.uploadToken, wholeHash, digests)
	if err != nil {
		return c.fail(errors.Wrap(err, "uploadclient: merge")), true
	}
	return c.succeed(ctx, url), true
}

func (c *Controller) allUploadedLocked() bool {
	return len(c.uploadedChunks) == len(c.chunks)
}

func (c *Controller) orderedDigestsLocked() []string {
	out := make([]string, len(c.chunks))
	for i, d := range c.chunks {
		out[i] = d.Digest
	}
	return out
}

// succeed claims the one-shot completion, per §4.4's "Critical
// invariant: a race between a verify returning hasFile after wholeHash and
// the scheduler's drain must not cause double-completion — handleSuccess
// is gated by a one-shot completed flag". The controller's entire state
// machine runs on a single goroutine (Start's run loop), so this guard is
// never actually contended — but it documents and enforces the invariant
// regardless.
func (c *Controller) succeed(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	c.mu.Unlock()

	if c.sched != nil {
		c.sched.Stop()
	}
	c.setState(Completed)
	if c.OnComplete != nil {
		c.OnComplete(url)
	}
	return nil
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return err
	}
	c.done = true
	c.mu.Unlock()

	if c.sched != nil {
		c.sched.Stop()
	}
	c.setState(Error)
	if c.OnError != nil {
		c.OnError(err)
	}
	return err
}

// markUploadedLocked is markUploaded(index) from §4.4: idempotent,
// only the first transition adds the chunk's size to uploadedBytes,
// clears its retry counter, and recomputes progress. Callers must hold c.mu.
func (c *Controller) markUploadedLocked(d chunk.Descriptor) {
	if c.uploadedChunks[d.Index] {
		return
	}
	c.uploadedChunks[d.Index] = true
	delete(c.failedChunks, d.Index)
	c.uploadedBytes += d.Size()
}

func (c *Controller) markUploaded(d chunk.Descriptor) {
	c.mu.Lock()
	if c.uploadedChunks[d.Index] {
		c.mu.Unlock()
		return
	}
	c.markUploadedLocked(d)
	uploaded := len(c.uploadedChunks)
	total := len(c.chunks)
	loaded := c.uploadedBytes
	c.mu.Unlock()

	c.emitProgress(loaded, uploaded, total)
}

func (c *Controller) emitProgress(loaded int64, uploadedChunks, totalChunks int) {
	if c.OnProgress == nil {
		return
	}

	now := time.Now()
	c.mu.Lock()
	if c.progressWindowStart.IsZero() {
		c.progressWindowStart = now
		c.progressWindowBytes = 0
	}
	dt := now.Sub(c.progressWindowStart).Seconds()
	dBytes := loaded - c.progressWindowBytes
	total := c.req.FileSize
	c.mu.Unlock()

	var speed float64
	if dt > 0 {
		speed = float64(dBytes) / dt
	}

	var remaining time.Duration
	if speed > 0 {
		remaining = time.Duration(float64(total-loaded)/speed) * time.Second
	}

	var pct float64
	if total > 0 {
		pct = float64(loaded) / float64(total) * 100
	}

	c.mu.Lock()
	c.progressWindowStart = now
	c.progressWindowBytes = loaded
	c.mu.Unlock()

	c.OnProgress(Progress{
		Loaded:         loaded,
		Total:          total,
		Percentage:     pct,
		Speed:          speed,
		RemainingTime:  remaining,
		UploadedChunks: uploadedChunks,
		TotalChunks:    totalChunks,
	})
}

// chunkTask builds the scheduler task for one chunk: the pseudocode of
// §4.4 "Per-chunk upload task", wrapped with the retry policy.
func (c *Controller) chunkTask(d chunk.Descriptor) scheduler.Task {
	return func(ctx context.Context) error {
		err := c.runChunk(ctx, d)
		if err == nil {
			return nil
		}
		return c.handleChunkFailure(d, err)
	}
}

func (c *Controller) runChunk(ctx context.Context, d chunk.Descriptor) error {
	c.mu.Lock()
	already := c.uploadedChunks[d.Index]
	c.mu.Unlock()
	if already {
		return nil
	}

	idx := d.Index
	vr, err := c.cfg.Transport.Verify(ctx, c.uploadToken, d.Digest, transport.HashChunk, &idx)
	if err != nil {
		return errors.Wrapf(err, "verify chunk %d", d.Index)
	}
	if vr.HasFile {
		c.markUploaded(d)
		return nil
	}

	data := make([]byte, d.Size())
	if _, err := c.src.ReadAt(data, d.Start); err != nil {
		return errors.Wrapf(err, "read chunk %d", d.Index)
	}

	err = c.cfg.Transport.TransferChunk(ctx, c.uploadToken, transport.ChunkTransfer{
		Index:  d.Index,
		Digest: d.Digest,
		Start:  d.Start,
		End:    d.End,
		Data:   bytes.NewReader(data),
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "transfer chunk %d", d.Index)
	}

	c.markUploaded(d)
	return nil
}

// handleChunkFailure is the retry policy of §4.4: exponential backoff
// with multiplicative half-jitter up to RetryCount attempts, then a fatal
// "chunk N upload failed" error that transitions the controller to Error.
// A transport error already classified permanent (§7's validation/
// authorization/integrity classes — "surfaced immediately; never
// retried") skips the backoff loop entirely and goes straight to fatal,
// the same distinction restic's internal/backend/retry draws between a
// backoff.Permanent error and a transient one.
func (c *Controller) handleChunkFailure(d chunk.Descriptor, err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return c.fatalChunk(d, err)
	}

	c.mu.Lock()
	count := c.failedChunks[d.Index]
	retryable := count < c.cfg.RetryCount
	if retryable {
		c.failedChunks[d.Index] = count + 1
	}
	c.mu.Unlock()

	if retryable {
		delay := backoffDelay(c.cfg.RetryDelay, count)
		time.AfterFunc(delay, func() {
			c.sched.AddAndStart(c.chunkTask(d))
		})
		return err
	}

	return c.fatalChunk(d, err)
}

// fatalChunk posts the §4.4 "chunk N upload failed" error to the
// controller's run loop, which transitions it to Error.
func (c *Controller) fatalChunk(d chunk.Descriptor, err error) error {
	fatal := errors.Errorf("chunk %d upload failed: %v", d.Index, err)
	select {
	case c.fatalCh <- fatal:
	default:
	}
	return fatal
}

// backoffDelay computes retryDelay * 2^attempt * jitter(0.5..1.0)
// (§4.4 "exponential backoff with multiplicative half-jitter").
func backoffDelay(base time.Duration, attempt int) time.Duration {
	mult := float64(uint64(1) << uint(attempt))
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(base) * mult * jitter)
}

// Pause asks the scheduler to pause: in-flight transfers run to
// completion, no new ones start (§4.4 "Pause/resume/cancel").
func (c *Controller) Pause() {
	if c.sched != nil {
		c.sched.Pause()
	}
	c.setState(Paused)
}

// Resume restarts dispatch after a Pause.
func (c *Controller) Resume() {
	if c.sched != nil {
		c.sched.Start()
	}
	c.setState(Uploading)
}

// Cancel tears the session down: it clears the scheduler, signals the
// splitter's context so its workers stop, and returns the controller to
// Idle. The server-side session is left behind for a later resumption by
// a new Controller (§4.4 "Pause/resume/cancel").
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	cancel := c.cancel
	c.mu.Unlock()

	if c.sched != nil {
		c.sched.Clear()
	}
	if cancel != nil {
		cancel()
	}
}
