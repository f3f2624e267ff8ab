package schedule_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/soundwire/internal/schedule"
	"github.com/google/go-cmp/cmp"
)

func waitDone(t *testing.T, h *schedule.Handle) error {
	t.Helper()
	select {
	case <-h.Done():
		return h.Err()
	case <-time.After(5 * time.Second):
		t.Fatalf("job %q did not finish", h.Name())
		return nil
	}
}

func TestFixedDeadlinesDoNotDrift(t *testing.T) {
	s := schedule.New()
	t.Cleanup(s.Close)

	const interval = 20 * time.Millisecond
	var (
		deadlines []time.Time
		started   []time.Time
	)
	h := s.Schedule(context.Background(), schedule.Job{
		Name:     "frames",
		Interval: schedule.Fixed(interval),
		Run: func(ctx context.Context, tick schedule.Tick) error {
			deadlines = append(deadlines, tick.Deadline)
			started = append(started, time.Now())
			if tick.Seq == 2 {
				time.Sleep(15 * time.Millisecond)
			}
			if tick.Seq == 5 {
				return schedule.ErrDone
			}
			return nil
		},
	})

	if err := waitDone(t, h); err != nil {
		t.Fatalf("job finished with error: %v", err)
	}
	if len(deadlines) != 6 {
		t.Fatalf("got %d ticks, want 6", len(deadlines))
	}
	for k, d := range deadlines {
		if want := deadlines[0].Add(time.Duration(k) * interval); !d.Equal(want) {
			t.Errorf("tick %d deadline = start+%s, want start+%s", k, d.Sub(deadlines[0]), want.Sub(deadlines[0]))
		}
		if started[k].Before(d) {
			t.Errorf("tick %d started %s before its deadline", k, d.Sub(started[k]))
		}
	}
}

func TestFailingJobDoesNotStopOthers(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name    string
		run     func() error
		checkFn func(t *testing.T, err error)
	}{
		{
			name: "error",
			run:  func() error { return errBoom },
			checkFn: func(t *testing.T, err error) {
				if !errors.Is(err, errBoom) {
					t.Errorf("Err() = %v, want %v", err, errBoom)
				}
			},
		},
		{
			name: "panic",
			run:  func() error { panic("kaboom") },
			checkFn: func(t *testing.T, err error) {
				var perr *schedule.PanicError
				if !errors.As(err, &perr) {
					t.Fatalf("Err() = %v, want *PanicError", err)
				}
				if perr.Job != "faulty" || perr.Value != "kaboom" {
					t.Errorf("PanicError = {Job: %q, Value: %v}", perr.Job, perr.Value)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := schedule.New()
			t.Cleanup(s.Close)
			ctx := context.Background()

			var (
				mu      sync.Mutex
				healthy int
			)
			healthyTicks := func() int {
				mu.Lock()
				defer mu.Unlock()
				return healthy
			}

			other := s.Schedule(ctx, schedule.Job{
				Name:     "healthy",
				Interval: schedule.Fixed(5 * time.Millisecond),
				Run: func(context.Context, schedule.Tick) error {
					mu.Lock()
					healthy++
					mu.Unlock()
					return nil
				},
			})
			faulty := s.Schedule(ctx, schedule.Job{
				Name:     "faulty",
				Interval: schedule.Fixed(5 * time.Millisecond),
				Run: func(_ context.Context, tick schedule.Tick) error {
					if tick.Seq == 2 {
						return tt.run()
					}
					return nil
				},
			})

			tt.checkFn(t, waitDone(t, faulty))

			after := healthyTicks()
			deadline := time.Now().Add(2 * time.Second)
			for healthyTicks() < after+3 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if got := healthyTicks(); got < after+3 {
				t.Errorf("healthy job ticked %d times after failure, want at least 3", got-after)
			}
			select {
			case <-other.Done():
				t.Errorf("healthy job was removed: %v", other.Err())
			default:
			}
			if got := s.Len(); got != 1 {
				t.Errorf("Len() = %d, want 1", got)
			}
		})
	}
}

func TestFilterSkipsWithoutRemoving(t *testing.T) {
	s := schedule.New()
	t.Cleanup(s.Close)

	var ran []uint64
	h := s.Schedule(context.Background(), schedule.Job{
		Name:     "even",
		Interval: schedule.Fixed(2 * time.Millisecond),
		Filter:   func(tick schedule.Tick) bool { return tick.Seq%2 == 0 },
		Run: func(_ context.Context, tick schedule.Tick) error {
			ran = append(ran, tick.Seq)
			if len(ran) == 3 {
				return schedule.ErrDone
			}
			return nil
		},
	})

	if err := waitDone(t, h); err != nil {
		t.Fatalf("job finished with error: %v", err)
	}
	if diff := cmp.Diff([]uint64{0, 2, 4}, ran); diff != "" {
		t.Errorf("ticks run mismatch (-want +got):\n%s", diff)
	}
}

func TestSettleWaitsForCompletion(t *testing.T) {
	s := schedule.New()
	t.Cleanup(s.Close)

	const (
		grace = 10 * time.Millisecond
		work  = 30 * time.Millisecond
	)
	var starts []time.Time
	h := s.Schedule(context.Background(), schedule.Job{
		Name:     "download",
		Interval: schedule.Settle(grace),
		Run: func(context.Context, schedule.Tick) error {
			starts = append(starts, time.Now())
			time.Sleep(work)
			if len(starts) == 3 {
				return schedule.ErrDone
			}
			return nil
		},
	})

	if err := waitDone(t, h); err != nil {
		t.Fatalf("job finished with error: %v", err)
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < work+grace {
			t.Errorf("gap between runs %d and %d = %s, want at least %s", i-1, i, gap, work+grace)
		}
	}
}

func TestSchedulerRearmsAfterIdle(t *testing.T) {
	s := schedule.New()
	t.Cleanup(s.Close)

	once := func() *schedule.Handle {
		return s.Schedule(context.Background(), schedule.Job{
			Name:     "once",
			Interval: schedule.Fixed(time.Millisecond),
			Run: func(context.Context, schedule.Tick) error {
				return schedule.ErrDone
			},
		})
	}

	if err := waitDone(t, once()); err != nil {
		t.Fatalf("first job: %v", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("Len() after last job = %d, want 0", got)
	}
	if err := waitDone(t, once()); err != nil {
		t.Fatalf("job scheduled after idle: %v", err)
	}
}

func TestHandleCancellation(t *testing.T) {
	s := schedule.New()
	t.Cleanup(s.Close)

	forever := schedule.Job{
		Name:     "forever",
		Interval: schedule.Fixed(time.Millisecond),
		Run:      func(context.Context, schedule.Tick) error { return nil },
	}

	t.Run("cancel", func(t *testing.T) {
		h := s.Schedule(context.Background(), forever)
		h.Cancel()
		if err := waitDone(t, h); err != nil {
			t.Errorf("Err() after Cancel = %v, want nil", err)
		}
	})

	t.Run("parent context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		h := s.Schedule(ctx, forever)
		cancel()
		if err := waitDone(t, h); !errors.Is(err, context.Canceled) {
			t.Errorf("Err() after parent cancel = %v, want context.Canceled", err)
		}
	})

	t.Run("running tick sees cancellation", func(t *testing.T) {
		started := make(chan struct{})
		h := s.Schedule(context.Background(), schedule.Job{
			Name:     "blocking",
			Interval: schedule.Fixed(time.Millisecond),
			Run: func(ctx context.Context, _ schedule.Tick) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		})
		<-started
		h.Cancel()
		if err := waitDone(t, h); err != nil {
			t.Errorf("Err() = %v, want nil", err)
		}
	})
}

func TestSchedulerClose(t *testing.T) {
	s := schedule.New()

	h := s.Schedule(context.Background(), schedule.Job{
		Name:     "loop",
		Interval: schedule.Fixed(time.Millisecond),
		Run:      func(context.Context, schedule.Tick) error { return nil },
	})
	s.Close()

	if err := waitDone(t, h); !errors.Is(err, schedule.ErrClosed) {
		t.Errorf("Err() after Close = %v, want ErrClosed", err)
	}

	late := s.Schedule(context.Background(), schedule.Job{
		Name:     "late",
		Interval: schedule.Fixed(time.Millisecond),
		Run:      func(context.Context, schedule.Tick) error { return nil },
	})
	if err := waitDone(t, late); !errors.Is(err, schedule.ErrClosed) {
		t.Errorf("Err() for job scheduled after Close = %v, want ErrClosed", err)
	}
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

func TestCronInterval(t *testing.T) {
	clock := &fakeClock{now: time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC)}
	s := schedule.New(schedule.WithClock(clock))
	t.Cleanup(s.Close)

	every5, err := schedule.Cron("*/5 * * * *")
	if err != nil {
		t.Fatalf("Cron() returned error: %v", err)
	}

	ticks := make(chan schedule.Tick, 8)
	h := s.Schedule(context.Background(), schedule.Job{
		Name:     "prune",
		Interval: every5,
		Run: func(_ context.Context, tick schedule.Tick) error {
			ticks <- tick
			if tick.Seq == 2 {
				return schedule.ErrDone
			}
			return nil
		},
	})

	var got []time.Time
	for len(got) < 3 {
		clock.Advance(5 * time.Minute)
		select {
		case tick := <-ticks:
			got = append(got, tick.Deadline)
		case <-time.After(5 * time.Second):
			t.Fatalf("no tick after advancing to %v", clock.Now())
		}
	}

	want := []time.Time{
		time.Date(2023, 10, 1, 12, 5, 0, 0, time.UTC),
		time.Date(2023, 10, 1, 12, 10, 0, 0, time.UTC),
		time.Date(2023, 10, 1, 12, 15, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cron deadlines mismatch (-want +got):\n%s", diff)
	}
	if err := waitDone(t, h); err != nil {
		t.Errorf("job finished with error: %v", err)
	}
}

func TestCronRejectsInvalidExpression(t *testing.T) {
	if _, err := schedule.Cron("not a cron"); err == nil {
		t.Error("Cron() with invalid expression expected error")
	}
}

func TestRunAt(t *testing.T) {
	t.Run("runs after time", func(t *testing.T) {
		ran := make(chan time.Time, 1)
		at := time.Now().Add(10 * time.Millisecond)
		schedule.RunAt(context.Background(), at, func(context.Context) {
			ran <- time.Now()
		})
		select {
		case got := <-ran:
			if got.Before(at) {
				t.Errorf("ran %s early", at.Sub(got))
			}
		case <-time.After(time.Second):
			t.Fatal("RunAt did not run")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ran := false
		done := schedule.RunAt(ctx, time.Now().Add(time.Hour), func(context.Context) {
			ran = true
		})
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("RunAt did not give up after its context was cancelled")
		}
		if ran {
			t.Error("RunAt ran after its context was cancelled")
		}
	})
}
