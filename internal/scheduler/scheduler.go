// Package scheduler implements C3, the task scheduler: a bounded,
// pausable work queue. It is modeled as a single actor goroutine owning all
// mutable state — pending queue, inflight count, status — the way §5
// describes the client as "single-threaded cooperative on the orchestration
// thread", with workers communicating results back as plain messages
// (restic's internal/archiver/blob_saver.go runs a comparable bounded
// worker-over-channel loop, though there without pause/resume).
package scheduler

import "context"

// Status is the scheduler's run state.
type Status int

const (
	// Paused means no new tasks are dispatched; in-flight tasks still run
	// to completion.
	Paused Status = iota
	// Running means the scheduler dispatches pending tasks up to its
	// concurrency cap.
	Running
)

func (s Status) String() string {
	if s == Running {
		return "running"
	}
	return "paused"
}

// Task is a unit of work submitted to the scheduler. Its error, if any, is
// not interpreted by the scheduler — retry policy belongs to the caller
// (§4.3: "The scheduler does not retry").
type Task func(ctx context.Context) error

// Stats is a snapshot of the scheduler's counters.
type Stats struct {
	Status   Status
	Pending  int
	Inflight int
}

type commandKind int

const (
	cmdAdd commandKind = iota
	cmdAddAndStart
	cmdStart
	cmdPause
	cmdClear
	cmdSetConcurrency
	cmdStats
	cmdStop
)

type command struct {
	kind    commandKind
	task    Task
	k       int
	statsCh chan Stats
	done    chan struct{}
}

// Scheduler is a bounded-concurrency work queue with pause/resume/cancel
// and a drain signal (§4.3).
type Scheduler struct {
	cmds     chan command
	taskDone chan error
	closing  chan struct{}

	// OnStart, OnPause and OnDrain are invoked synchronously on the
	// scheduler's internal goroutine when the corresponding event fires
	// (§4.3 events start/pause/drain). They are the "message passing"
	// hand-off §9 recommends in place of a generic event bus: a
	// caller typically posts into its own inbox from inside the callback.
	OnStart func()
	OnPause func()
	OnDrain func()

	status      Status
	concurrency int
	pending     []Task
	inflight    int
}

// New constructs a Scheduler with the given concurrency cap K, initially
// paused.
func New(concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}

	s := &Scheduler{
		cmds:        make(chan command),
		taskDone:    make(chan error),
		closing:     make(chan struct{}),
		status:      Paused,
		concurrency: concurrency,
	}
	go s.loop()
	return s
}

func (s *Scheduler) send(c command) {
	s.cmds <- c
}

// Add enqueues a task without changing run status.
func (s *Scheduler) Add(t Task) { s.send(command{kind: cmdAdd, task: t}) }

// AddAndStart enqueues a task and ensures the scheduler is running.
func (s *Scheduler) AddAndStart(t Task) { s.send(command{kind: cmdAddAndStart, task: t}) }

// Start transitions to running and dispatches pending tasks up to K.
func (s *Scheduler) Start() { s.send(command{kind: cmdStart}) }

// Pause halts further dispatch; in-flight tasks run to completion.
func (s *Scheduler) Pause() { s.send(command{kind: cmdPause}) }

// Clear drops all pending tasks and pauses.
func (s *Scheduler) Clear() { s.send(command{kind: cmdClear}) }

// SetConcurrency changes K immediately. Widening it may trigger new
// dispatches; narrowing it does not cancel in-flight work.
func (s *Scheduler) SetConcurrency(k int) { s.send(command{kind: cmdSetConcurrency, k: k}) }

// Stats returns a snapshot of the scheduler's status and counters.
func (s *Scheduler) Stats() Stats {
	resp := make(chan Stats, 1)
	s.send(command{kind: cmdStats, statsCh: resp})
	return <-resp
}

// Stop terminates the scheduler's internal goroutine. It does not wait for
// in-flight tasks; callers that need a clean shutdown should Pause and poll
// Stats until Inflight is zero first. In-flight task goroutines that are
// still running when Stop returns will find taskDone abandoned and fall
// through the closing signal instead of blocking forever.
func (s *Scheduler) Stop() {
	done := make(chan struct{})
	s.send(command{kind: cmdStop, done: done})
	<-done
}

func (s *Scheduler) loop() {
	ctx := context.Background()

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdAdd:
				s.pending = append(s.pending, cmd.task)
				s.dispatch(ctx)
			case cmdAddAndStart:
				s.pending = append(s.pending, cmd.task)
				s.setRunning()
				s.dispatch(ctx)
			case cmdStart:
				s.setRunning()
				s.dispatch(ctx)
			case cmdPause:
				s.status = Paused
				if s.OnPause != nil {
					s.OnPause()
				}
			case cmdClear:
				s.pending = nil
				s.status = Paused
				if s.OnPause != nil {
					s.OnPause()
				}
			case cmdSetConcurrency:
				if cmd.k > 0 {
					s.concurrency = cmd.k
				}
				s.dispatch(ctx)
			case cmdStats:
				cmd.statsCh <- Stats{Status: s.status, Pending: len(s.pending), Inflight: s.inflight}
			case cmdStop:
				close(s.closing)
				close(cmd.done)
				return
			}
		case err := <-s.taskDone:
			_ = err
			s.inflight--
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) setRunning() {
	if s.status != Running {
		s.status = Running
		if s.OnStart != nil {
			s.OnStart()
		}
	}
}

// dispatch launches as many pending tasks as the concurrency cap allows,
// then checks for drain — §4.3's dispatch policy: "while status =
// running and inflight < K and pending > 0, dequeue and launch ... when
// pending = 0 AND inflight = 0, transition to paused and emit drain."
func (s *Scheduler) dispatch(ctx context.Context) {
	wasRunning := s.status == Running

	for s.status == Running && s.inflight < s.concurrency && len(s.pending) > 0 {
		task := s.pending[0]
		s.pending = s.pending[1:]
		s.inflight++

		go func() {
			err := task(ctx)
			select {
			case s.taskDone <- err:
			case <-s.closing:
			}
		}()
	}

	if wasRunning && len(s.pending) == 0 && s.inflight == 0 {
		s.status = Paused
		if s.OnDrain != nil {
			s.OnDrain()
		}
	}
}
