package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glizzus/soundwire/internal/observe"
)

var (
	// ErrDone may be returned by a job to remove itself without reporting a
	// failure.
	ErrDone = errors.New("schedule: job done")

	// ErrClosed is reported by jobs scheduled on a closed Scheduler.
	ErrClosed = errors.New("schedule: scheduler closed")
)

// PanicError is reported on a job's handle when its Run panicked.
type PanicError struct {
	Job   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("schedule: job %q panicked: %v", e.Job, e.Value)
}

var _ error = (*PanicError)(nil)

// Tick describes one due invocation of a job.
type Tick struct {
	// Deadline is the absolute time this tick was due.
	Deadline time.Time
	// Seq counts the job's ticks from zero, including ticks its filter
	// skipped.
	Seq uint64
}

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval Interval
	// Filter, when set, is consulted every tick. Returning false skips the
	// tick but keeps the job scheduled.
	Filter func(Tick) bool
	// Run performs the work. Returning ErrDone removes the job quietly; any
	// other error removes it and is reported on its Handle.
	Run func(ctx context.Context, t Tick) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler runs jobs on drift-corrected deadlines. Each job runs on its own
// goroutine and never overlaps with itself, so a slow job cannot delay the
// others.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*entry
	armed   bool
	closed  bool
	wakeCh  chan struct{}
	loopWG  sync.WaitGroup
	clock   Clock
	logger  *slog.Logger
	metrics *observe.Metrics
}

type entry struct {
	job      Job
	handle   *Handle
	ctx      context.Context
	deadline time.Time
	seq      uint64
	running  bool
	// exhausted is set when a cron expression has no further matches.
	exhausted bool
}

// New returns an idle Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		wakeCh: make(chan struct{}, 1),
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule adds job and arms the loop if it was idle. The job is removed
// when ctx ends, when Run returns an error or ErrDone, or via the returned
// Handle.
func (s *Scheduler) Schedule(ctx context.Context, job Job) *Handle {
	if job.Run == nil {
		panic("schedule: job " + job.Name + " has no Run func")
	}
	if job.Interval.kind == 0 {
		panic("schedule: job " + job.Name + " has no interval")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	h := &Handle{name: job.Name, cancel: cancel, done: make(chan struct{})}
	e := &entry{
		job:      job,
		handle:   h,
		ctx:      jobCtx,
		deadline: job.Interval.first(s.clock.Now()),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		h.finish(ErrClosed)
		return h
	}
	if e.deadline.IsZero() {
		s.mu.Unlock()
		cancel()
		h.finish(nil)
		return h
	}
	s.jobs = append(s.jobs, e)
	if !s.armed {
		s.armed = true
		s.loopWG.Add(1)
		go s.loop()
	}
	s.mu.Unlock()

	context.AfterFunc(jobCtx, func() {
		s.remove(e)
	})
	s.wake()

	s.logger.Debug("job scheduled", "job", job.Name, "interval", job.Interval.String())
	return h
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close cancels every job and waits for running jobs to return. Jobs
// scheduled afterwards fail with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	jobs := append([]*entry(nil), s.jobs...)
	s.mu.Unlock()

	for _, e := range jobs {
		e.handle.cancel()
	}
	for _, e := range jobs {
		<-e.handle.done
	}
	s.loopWG.Wait()
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()

	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.armed = false
			s.mu.Unlock()
			return
		}

		now := s.clock.Now()
		var next time.Time
		for _, e := range s.jobs {
			if e.running || e.deadline.IsZero() {
				continue
			}
			if !e.deadline.After(now) {
				s.dispatch(e, now)
				continue
			}
			if next.IsZero() || e.deadline.Before(next) {
				next = e.deadline
			}
		}
		s.mu.Unlock()

		var timer <-chan time.Time
		if !next.IsZero() {
			timer = s.clock.After(next.Sub(now))
		}
		select {
		case <-timer:
		case <-s.wakeCh:
		}
	}
}

// dispatch starts one tick of e. The deadline is advanced before the job
// runs. Called with s.mu held.
func (s *Scheduler) dispatch(e *entry, now time.Time) {
	tick := Tick{Deadline: e.deadline, Seq: e.seq}
	e.seq++
	e.deadline = e.job.Interval.advance(e.deadline)
	if e.job.Interval.kind == kindCron && e.deadline.IsZero() {
		e.exhausted = true
	}
	e.running = true

	s.metrics.RecordTickLateness(e.ctx, e.job.Name, now.Sub(tick.Deadline))
	go s.run(e, tick)
}

func (s *Scheduler) run(e *entry, tick Tick) {
	err := s.invoke(e, tick)
	if err != nil && !errors.Is(err, ErrDone) && e.ctx.Err() == nil {
		s.logger.Warn("job failed", "job", e.job.Name, "seq", tick.Seq, "error", err)
	}

	s.mu.Lock()
	e.running = false
	if e.job.Interval.kind == kindSettle {
		e.deadline = s.clock.Now().Add(e.job.Interval.d)
	}
	finished := err != nil || e.exhausted || e.ctx.Err() != nil
	if finished {
		s.detachLocked(e)
	}
	s.mu.Unlock()

	if finished {
		if errors.Is(err, ErrDone) || e.ctx.Err() != nil {
			err = nil
		}
		s.finalize(e, err)
	}
	s.wake()
}

func (s *Scheduler) invoke(e *entry, tick Tick) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Job: e.job.Name, Value: v, Stack: debug.Stack()}
		}
	}()

	if e.ctx.Err() != nil {
		return nil
	}
	if e.job.Filter != nil && !e.job.Filter(tick) {
		return nil
	}
	return e.job.Run(e.ctx, tick)
}

// remove drops an idle job whose context ended. A running job is left to
// run, which removes it once the current invocation returns.
func (s *Scheduler) remove(e *entry) {
	s.mu.Lock()
	if e.running || !s.detachLocked(e) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.finalize(e, nil)
	s.wake()
}

// detachLocked removes e from the job set and reports whether it was there.
func (s *Scheduler) detachLocked(e *entry) bool {
	for i, j := range s.jobs {
		if j == e {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// finalize settles the handle. err of nil reports the job context's error,
// if any.
func (s *Scheduler) finalize(e *entry, err error) {
	ctxErr := e.ctx.Err()
	e.handle.cancel()
	if err == nil {
		err = ctxErr
		if errors.Is(err, context.Canceled) {
			switch {
			case e.handle.stopped():
				err = nil
			case s.isClosed():
				err = ErrClosed
			}
		}
	}
	e.handle.finish(err)
}

// Handle controls one scheduled job.
type Handle struct {
	name   string
	cancel context.CancelFunc

	mu      sync.Mutex
	err     error
	done    chan struct{}
	stop    bool
	settled bool
}

// Name returns the job name.
func (h *Handle) Name() string {
	return h.name
}

// Cancel removes the job. A tick already running sees its context
// cancelled; Done closes once it returns.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.stop = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed once the job has been removed and is no longer running.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports why the job was removed: nil for ErrDone or Cancel, the
// context error when the caller's context ended, and otherwise the job's
// error or *PanicError. It returns nil until Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the job is removed or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return
	}
	h.settled = true
	h.err = err
	close(h.done)
}
