package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glizzus/soundwire/internal/datalayer"
	"github.com/glizzus/soundwire/internal/observe"
	"github.com/glizzus/soundwire/internal/opus"
	"github.com/glizzus/soundwire/internal/playback"
	"github.com/glizzus/soundwire/internal/schedule"
)

// DefaultPreload is how long before its start a clip is fetched.
const DefaultPreload = 5 * time.Second

// Job outcomes, as recorded in the jobs metric.
const (
	JobPlayed    = "played"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobMissing   = "missing"
)

// ClipPlayer is satisfied by *playback.Player.
type ClipPlayer interface {
	Play(ctx context.Context, name string, src playback.FrameSource) *schedule.Handle
}

var _ ClipPlayer = (*playback.Player)(nil)

type PlaybackOption func(*PlaybackHandler)

func WithPreload(d time.Duration) PlaybackOption {
	return func(h *PlaybackHandler) {
		h.preload = d
	}
}

func WithCanceller(c Canceller) PlaybackOption {
	return func(h *PlaybackHandler) {
		h.cancels = c
	}
}

func WithMetrics(m *observe.Metrics) PlaybackOption {
	return func(h *PlaybackHandler) {
		h.metrics = m
	}
}

func WithOutcome(fn func(job PlayJob, outcome string)) PlaybackOption {
	return func(h *PlaybackHandler) {
		h.onOutcome = fn
	}
}

// PlaybackHandler fetches each job's clip shortly before it is due and
// streams it through a player at RunAt. Jobs whose play times overlap are
// played one after another, in the order they became due.
type PlaybackHandler struct {
	storage datalayer.BlobStorage
	player  ClipPlayer
	cancels Canceller
	preload time.Duration
	turns   playQueue

	metrics   *observe.Metrics
	onOutcome func(PlayJob, string)

	wg sync.WaitGroup
}

func NewPlaybackHandler(storage datalayer.BlobStorage, player ClipPlayer, opts ...PlaybackOption) *PlaybackHandler {
	h := &PlaybackHandler{
		storage: storage,
		player:  player,
		preload: DefaultPreload,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ JobHandler = (*PlaybackHandler)(nil)

// HandleJobs schedules every job and returns immediately.
func (h *PlaybackHandler) HandleJobs(ctx context.Context, jobs ...PlayJob) error {
	for _, job := range jobs {
		h.wg.Go(func() {
			done := schedule.RunAt(ctx, job.RunAt.Add(-h.preload), func(ctx context.Context) {
				h.finish(ctx, job, h.run(ctx, job))
			})
			<-done
		})
	}
	return nil
}

// Wait blocks until every scheduled job has played or been abandoned.
func (h *PlaybackHandler) Wait() {
	h.wg.Wait()
}

func (h *PlaybackHandler) run(ctx context.Context, job PlayJob) string {
	attrs := []any{"jobID", job.ID, "clip", job.Clip}

	if h.cancelled(ctx, job) {
		slog.InfoContext(ctx, "skipping cancelled job", attrs...)
		return JobCancelled
	}

	body, err := h.storage.Get(ctx, datalayer.AudioKey(job.Clip))
	if err != nil {
		slog.ErrorContext(ctx, "failed to preload clip", append(attrs, "error", err)...)
		if errors.Is(err, datalayer.ErrNotFound) {
			return JobMissing
		}
		return JobFailed
	}
	defer body.Close()

	timer := time.NewTimer(time.Until(job.RunAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return JobFailed
	case <-timer.C:
	}

	if err := h.turns.acquire(ctx); err != nil {
		return JobFailed
	}
	defer h.turns.release()

	// Cancellation may have arrived during the preload window.
	if h.cancelled(ctx, job) {
		slog.InfoContext(ctx, "skipping cancelled job", attrs...)
		return JobCancelled
	}

	handle := h.player.Play(ctx, job.ID, opus.NewFrameReader(body))
	if err := handle.Wait(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to play clip", append(attrs, "error", err)...)
		return JobFailed
	}
	slog.InfoContext(ctx, "played clip", attrs...)
	return JobPlayed
}

func (h *PlaybackHandler) cancelled(ctx context.Context, job PlayJob) bool {
	if h.cancels == nil {
		return false
	}
	ok, err := h.cancels.IsCancelled(ctx, job.ID)
	if err != nil {
		// A failed lookup plays the clip.
		slog.WarnContext(ctx, "failed to check cancellation", "jobID", job.ID, "error", err)
		return false
	}
	return ok
}

func (h *PlaybackHandler) finish(ctx context.Context, job PlayJob, outcome string) {
	h.metrics.RecordJob(ctx, outcome)
	if h.onOutcome != nil {
		h.onOutcome(job, outcome)
	}
}

// playQueue hands out turns in arrival order.
type playQueue struct {
	mu      sync.Mutex
	busy    bool
	waiting []chan struct{}
}

func (q *playQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	q.waiting = append(q.waiting, turn)
	q.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	for i, w := range q.waiting {
		if w == turn {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.mu.Unlock()
			return ctx.Err()
		}
	}
	q.mu.Unlock()
	// The turn was handed over while ctx ended; pass it on.
	q.release()
	return ctx.Err()
}

func (q *playQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		q.busy = false
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	close(next)
}
