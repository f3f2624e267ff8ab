// Package playback paces encrypted audio frames onto a voice session.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/observe"
	"github.com/glizzus/soundwire/internal/rtp"
	"github.com/glizzus/soundwire/internal/schedule"
	"github.com/glizzus/soundwire/internal/udp"
)

// FrameInterval is the wall-clock length of one Opus frame.
const FrameInterval = 20 * time.Millisecond

// SilenceFrames is how many silence frames follow the end of a stream so
// receivers do not interpolate across the gap.
const SilenceFrames = 5

// SilenceFrame is an Opus frame that decodes to silence.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// ErrPlaying ends a Play job that would have started while another stream
// is still sending through the same Player.
var ErrPlaying = errors.New("playback: another stream is playing")

// FrameSource supplies encoded audio frames. ReadFrame returns io.EOF after
// the last frame.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// Transport is the subset of *udp.Session the player needs.
type Transport interface {
	Send(b []byte) error
	Status() udp.Status
}

var _ Transport = (*udp.Session)(nil)

type Option func(*Player)

func WithLogger(l *slog.Logger) Option {
	return func(p *Player) {
		p.logger = l
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) {
		p.metrics = m
	}
}

// WithFrameInterval overrides the pacing interval.
func WithFrameInterval(d time.Duration) Option {
	return func(p *Player) {
		p.interval = d
	}
}

// Player turns frames into datagrams: framer stamps the header, engine
// seals it, transport sends it. One Player serves one session.
type Player struct {
	transport Transport
	framer    *rtp.Framer
	engine    *encryption.Engine
	sched     *schedule.Scheduler

	interval time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu      sync.Mutex
	current *stream
}

// stream is one Play call. It stays active until its handle is done.
type stream struct {
	handle atomic.Pointer[schedule.Handle]
}

func (s *stream) active() bool {
	h := s.handle.Load()
	if h == nil {
		return true
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

func New(transport Transport, framer *rtp.Framer, engine *encryption.Engine, sched *schedule.Scheduler, opts ...Option) *Player {
	p := &Player{
		transport: transport,
		framer:    framer,
		engine:    engine,
		sched:     sched,
		interval:  FrameInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SendFrame frames, seals and sends one payload. A seal failure is returned
// as is and must stop the stream; send failures come back as
// *udp.TransportError or udp.ErrSessionClosed.
func (p *Player) SendFrame(ctx context.Context, payload []byte) error {
	var header [rtp.HeaderSize]byte
	h := p.framer.BuildHeader(header[:])

	packet, err := p.engine.Seal(ctx, header[:], payload)
	if err != nil {
		return fmt.Errorf("playback: seal frame seq=%d: %w", h.Sequence, err)
	}

	if err := p.transport.Send(packet); err != nil {
		return err
	}
	p.metrics.RecordPacket(ctx, p.engine.Suite().String(), len(packet))
	return nil
}

// Play schedules src on the player's scheduler, one frame per interval.
// After the source is exhausted SilenceFrames silence frames are sent and
// the job ends with a nil error. A closed session ends it with
// udp.ErrSessionClosed. Only one stream plays at a time; a job whose first
// tick finds another stream still playing ends with ErrPlaying.
func (p *Player) Play(ctx context.Context, name string, src FrameSource) *schedule.Handle {
	silence := -1
	st := &stream{}

	h := p.sched.Schedule(ctx, schedule.Job{
		Name:     name,
		Interval: schedule.Fixed(p.interval),
		Run: func(ctx context.Context, tick schedule.Tick) error {
			if tick.Seq == 0 && !p.claim(st) {
				return ErrPlaying
			}
			if p.transport.Status() == udp.StatusDisconnected {
				return udp.ErrSessionClosed
			}

			var frame []byte
			if silence < 0 {
				f, err := src.ReadFrame()
				switch {
				case errors.Is(err, io.EOF):
					silence = SilenceFrames
				case err != nil:
					return fmt.Errorf("playback: read frame: %w", err)
				default:
					frame = f
				}
			}
			if silence == 0 {
				p.logger.Debug("playback finished", "job", name, "frames", tick.Seq)
				return schedule.ErrDone
			}
			if silence > 0 {
				frame = SilenceFrame
				silence--
			}

			err := p.SendFrame(ctx, frame)
			var terr *udp.TransportError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &terr):
				p.metrics.RecordSendError(ctx, "audio")
				p.logger.Warn("audio send failed", "job", name, "seq", tick.Seq, "error", err)
				return nil
			default:
				return err
			}
		},
	})
	st.handle.Store(h)
	return h
}

// claim makes st the player's stream unless another one is still active.
func (p *Player) claim(st *stream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current != st && p.current.active() {
		return false
	}
	p.current = st
	return true
}
