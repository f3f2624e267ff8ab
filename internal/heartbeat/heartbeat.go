// Package heartbeat keeps a voice session alive by sending a counter
// datagram on the negotiated interval, whether or not audio is flowing.
package heartbeat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glizzus/soundwire/internal/observe"
	"github.com/glizzus/soundwire/internal/schedule"
	"github.com/glizzus/soundwire/internal/udp"
)

// PacketSize is the size of a keepalive datagram.
const PacketSize = 4

// ErrRunning is returned by Start when the manager is already running.
var ErrRunning = errors.New("heartbeat: already running")

// Sender is the send path keepalives share with audio. *udp.Session
// satisfies it.
type Sender interface {
	Send(b []byte) error
}

type Option func(*Manager)

// WithOnError registers a callback for failed sends. It runs on the
// scheduler goroutine.
func WithOnError(fn func(error)) Option {
	return func(m *Manager) {
		m.onError = fn
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

// WithScheduler runs keepalives on an existing scheduler instead of a
// private one.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// WithStart sets the first counter value.
func WithStart(n uint32) Option {
	return func(m *Manager) {
		m.counter.Store(n)
	}
}

// Manager sends keepalives on a fixed period. Send failures are reported
// but never stop it; only the session closing does.
type Manager struct {
	sender   Sender
	interval time.Duration
	counter  atomic.Uint32
	sent     atomic.Uint64

	mu     sync.Mutex
	handle *schedule.Handle
	cancel context.CancelFunc

	sched   *schedule.Scheduler
	onError func(error)
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New validates interval and returns a stopped manager.
func New(sender Sender, interval time.Duration, opts ...Option) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat: interval must be positive, got %s", interval)
	}
	m := &Manager{
		sender:   sender,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = schedule.New(schedule.WithLogger(m.logger))
	}
	return m, nil
}

// Start sends the first keepalive immediately and then one per interval
// until ctx ends, Stop is called, or the sender reports the session closed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		select {
		case <-m.handle.Done():
		default:
			return ErrRunning
		}
	}

	// A nil channel never fires for senders without a Done method.
	var closed <-chan struct{}
	if d, ok := m.sender.(interface{ Done() <-chan struct{} }); ok {
		closed = d.Done()
	}

	ctx, cancel := context.WithCancel(ctx)
	h := m.sched.Schedule(ctx, schedule.Job{
		Name:     "heartbeat",
		Interval: schedule.Fixed(m.interval),
		Run:      m.beat,
	})
	go func() {
		defer cancel()
		select {
		case <-closed:
		case <-h.Done():
		}
	}()

	m.handle, m.cancel = h, cancel
	m.logger.Debug("heartbeat started", "interval", m.interval)
	return nil
}

func (m *Manager) beat(ctx context.Context, _ schedule.Tick) error {
	n := m.counter.Load()

	var b [PacketSize]byte
	binary.BigEndian.PutUint32(b[:], n)

	if err := m.sender.Send(b[:]); err != nil {
		if errors.Is(err, udp.ErrSessionClosed) {
			return schedule.ErrDone
		}
		m.metrics.RecordSendError(ctx, "keepalive")
		m.logger.Warn("keepalive send failed", "counter", n, "error", err)
		if m.onError != nil {
			m.onError(err)
		}
		return nil
	}

	m.counter.Store(n + 1)
	m.sent.Add(1)
	m.metrics.RecordKeepalive(ctx, PacketSize)
	return nil
}

// Stop ends the keepalive loop and waits for an in-flight send.
func (m *Manager) Stop() {
	m.mu.Lock()
	h, cancel := m.handle, m.cancel
	m.mu.Unlock()

	if h == nil {
		return
	}
	h.Cancel()
	cancel()
	<-h.Done()
}

// Done is closed once the keepalive loop has stopped. It returns nil before
// Start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	return m.handle.Done()
}

// Sent returns the number of keepalives written successfully.
func (m *Manager) Sent() uint64 {
	return m.sent.Load()
}

// Counter returns the value the next keepalive will carry.
func (m *Manager) Counter() uint32 {
	return m.counter.Load()
}
