package e2e_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/soundwire/e2e"
	"github.com/glizzus/soundwire/internal/datalayer"
	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/generator"
	"github.com/glizzus/soundwire/internal/heartbeat"
	"github.com/glizzus/soundwire/internal/opus"
	"github.com/glizzus/soundwire/internal/playback"
	"github.com/glizzus/soundwire/internal/rtp"
	"github.com/glizzus/soundwire/internal/schedule"
	"github.com/glizzus/soundwire/internal/udp"
	"github.com/glizzus/soundwire/internal/udp/udptest"
	"github.com/glizzus/soundwire/internal/worker"
	"github.com/google/go-cmp/cmp"
)

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memoryStorage) Put(_ context.Context, key string, data io.Reader, _ datalayer.PutOptions) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *memoryStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", datalayer.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, encryption.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// TestQueuedClipReachesVoiceServer drives a clip from the job stream to
// the wire: Redis delivers the job, the handler loads the frames, the
// player seals them with a ledger-backed engine and the fake server
// receives them alongside keepalives.
func TestQueuedClipReachesVoiceServer(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ledger := e2e.GetNonceLedger(t, e2e.UsePostgres(t))
	e2e.SeedGlobalNoise(t, ledger)
	rdb := e2e.UseRedis(t)

	server := udptest.NewServer(t)
	const ssrc = 4242
	session := udp.New()
	defer session.Close()
	if _, err := session.Connect(ctx, server.Endpoint(), ssrc); err != nil {
		t.Fatalf("Connect() returned error: %v", err)
	}

	reg, err := encryption.NewRegistry(encryption.StdBackend{})
	if err != nil {
		t.Fatalf("NewRegistry() returned error: %v", err)
	}
	engine, err := encryption.NewEngine(ctx, encryption.EngineConfig{
		Registry: reg,
		Suite:    encryption.XChaCha20Poly1305RTPSize,
		Key:      newKey(t),
		Store:    ledger,
		Leases:   encryption.NewLeaseSet(),
	})
	if err != nil {
		t.Fatalf("NewEngine() returned error: %v", err)
	}

	sched := schedule.New()
	defer sched.Close()

	hb, err := heartbeat.New(session, 5*time.Millisecond, heartbeat.WithScheduler(sched))
	if err != nil {
		t.Fatalf("heartbeat.New() returned error: %v", err)
	}
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	frames := [][]byte{
		bytes.Repeat([]byte{0x01}, 80),
		bytes.Repeat([]byte{0x02}, 90),
		bytes.Repeat([]byte{0x03}, 100),
	}
	var encoded bytes.Buffer
	w := opus.NewFrameWriter(&encoded)
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() returned error: %v", err)
		}
	}
	storage := &memoryStorage{objects: make(map[string][]byte)}
	if err := storage.Put(ctx, datalayer.AudioKey("intro"), &encoded, datalayer.PutOptions{}); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	player := playback.New(session, rtp.NewFramer(ssrc), engine, sched,
		playback.WithFrameInterval(2*time.Millisecond),
	)
	outcomes := make(chan string, 1)
	handler := worker.NewPlaybackHandler(storage, player,
		worker.WithPreload(0),
		worker.WithOutcome(func(_ worker.PlayJob, outcome string) { outcomes <- outcome }),
	)

	stream := t.Name()
	receiver, err := worker.NewRedisJobReceiver(ctx, rdb, stream, "voiced", "e2e")
	if err != nil {
		t.Fatalf("NewRedisJobReceiver() returned error: %v", err)
	}
	go worker.Consume(ctx, receiver, handler)

	job, err := worker.NewPlayJob(&generator.UUIDV4Generator{}, "intro", time.Now())
	if err != nil {
		t.Fatalf("NewPlayJob() returned error: %v", err)
	}
	if err := worker.NewRedisJobHandler(rdb, stream).HandleJobs(ctx, job); err != nil {
		t.Fatalf("HandleJobs() returned error: %v", err)
	}

	select {
	case outcome := <-outcomes:
		if outcome != worker.JobPlayed {
			t.Fatalf("job outcome = %q, want %q", outcome, worker.JobPlayed)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("job was not played")
	}

	want := append([][]byte{}, frames...)
	for range playback.SilenceFrames {
		want = append(want, playback.SilenceFrame)
	}

	var got [][]byte
	var keepalives []uint32
	deadline := time.After(5 * time.Second)
	for len(got) < len(want) {
		select {
		case pkt := <-server.Packets():
			if len(pkt) == heartbeat.PacketSize {
				keepalives = append(keepalives, binary.BigEndian.Uint32(pkt))
				continue
			}
			header, payload, err := engine.Open(pkt)
			if err != nil {
				t.Fatalf("Open() returned error: %v", err)
			}
			h, err := rtp.ParseHeader(header)
			if err != nil {
				t.Fatalf("ParseHeader() returned error: %v", err)
			}
			if h.SSRC != ssrc {
				t.Errorf("packet SSRC = %d, want %d", h.SSRC, ssrc)
			}
			got = append(got, payload)
		case <-deadline:
			t.Fatalf("received %d of %d audio packets", len(got), len(want))
		}
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("audio payloads mismatch (-want +got):\n%s", diff)
	}
	for i, k := range keepalives {
		if k != uint32(i) {
			t.Errorf("keepalive %d carried counter %d", i, k)
			break
		}
	}

	if err := engine.Close(ctx); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	next, ok, err := ledger.Load(ctx, engine.Fingerprint())
	if err != nil || !ok {
		t.Fatalf("Load() = (%d, %v, %v)", next, ok, err)
	}
	if next < uint64(len(want)) {
		t.Errorf("ledger position %d is behind the %d nonces used", next, len(want))
	}
}
