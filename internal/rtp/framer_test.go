package rtp_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/glizzus/soundwire/internal/rtp"
	"github.com/google/go-cmp/cmp"
)

func TestHeaderMarshal(t *testing.T) {
	h := rtp.Header{
		PayloadType: rtp.PayloadTypeOpus,
		Sequence:    0x0102,
		Timestamp:   0x03040506,
		SSRC:        12345,
	}

	want := []byte{0x80, 0x78, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x00, 0x00, 0x30, 0x39}
	if diff := cmp.Diff(want, h.Marshal()); diff != "" {
		t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
	}

	parsed, err := rtp.ParseHeader(want)
	if err != nil {
		t.Fatalf("ParseHeader() returned error: %v", err)
	}
	if diff := cmp.Diff(h, parsed); diff != "" {
		t.Errorf("ParseHeader() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHeaderFailure(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "too short", input: []byte{0x80, 0x78, 0x00}},
		{name: "wrong version", input: []byte{0x40, 0x78, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rtp.ParseHeader(tt.input); err == nil {
				t.Errorf("ParseHeader(%x) expected error", tt.input)
			}
		})
	}
}

func TestFramerSequenceAndTimestampWrap(t *testing.T) {
	tests := []struct {
		name     string
		seq      uint16
		ts       uint32
		duration uint32
		calls    int
	}{
		{name: "from zero", seq: 0, ts: 0, duration: 960, calls: 100},
		{name: "sequence wraps", seq: 65530, ts: 1000, duration: 960, calls: 20},
		{name: "timestamp wraps", seq: 7, ts: 0xFFFFFFFF - 2000, duration: 960, calls: 10},
		{name: "both wrap", seq: 65535, ts: 0xFFFFFFFF, duration: 480, calls: 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := rtp.NewFramer(12345, rtp.WithStart(tt.seq, tt.ts), rtp.WithFrameDuration(tt.duration))
			for k := 0; k < tt.calls; k++ {
				h := f.Next()
				wantSeq := uint16((uint32(tt.seq) + uint32(k)) % 65536)
				wantTS := uint32((uint64(tt.ts) + uint64(k)*uint64(tt.duration)) % (1 << 32))
				if h.Sequence != wantSeq || h.Timestamp != wantTS {
					t.Fatalf("call %d: got (seq=%d, ts=%d), want (seq=%d, ts=%d)", k, h.Sequence, h.Timestamp, wantSeq, wantTS)
				}
				if h.SSRC != 12345 {
					t.Fatalf("call %d: SSRC = %d, want 12345", k, h.SSRC)
				}
			}
		})
	}
}

func TestFramerBuildHeader(t *testing.T) {
	f := rtp.NewFramer(0xDEADBEEF, rtp.WithStart(10, 20))
	buf := make([]byte, rtp.HeaderSize)

	first := f.BuildHeader(buf)
	if buf[0] != 0x80 || buf[1] != 0x78 {
		t.Errorf("unexpected flag bytes %#x %#x", buf[0], buf[1])
	}
	if got := binary.BigEndian.Uint16(buf[2:4]); got != 10 {
		t.Errorf("sequence = %d, want 10", got)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != 20 {
		t.Errorf("timestamp = %d, want 20", got)
	}
	if got := binary.BigEndian.Uint32(buf[8:12]); got != 0xDEADBEEF {
		t.Errorf("ssrc = %#x, want 0xDEADBEEF", got)
	}

	second := f.Next()
	if second.Sequence != first.Sequence+1 || second.Timestamp != first.Timestamp+rtp.FrameDuration {
		t.Errorf("counters did not advance after BuildHeader: first=%+v second=%+v", first, second)
	}
}

func TestFramerRandomStart(t *testing.T) {
	// Two framers starting at the same pair of counters is possible but
	// vanishingly unlikely across several attempts.
	same := 0
	for range 8 {
		a := rtp.NewFramer(1).Next()
		b := rtp.NewFramer(1).Next()
		if a.Sequence == b.Sequence && a.Timestamp == b.Timestamp {
			same++
		}
	}
	if same == 8 {
		t.Errorf("framers always started at identical counters")
	}
}

func TestFramerConcurrentNextIsUnique(t *testing.T) {
	f := rtp.NewFramer(1, rtp.WithStart(0, 0))

	const workers, perWorker = 8, 1000
	var mu sync.Mutex
	seen := make(map[uint16]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for range perWorker {
				h := f.Next()
				mu.Lock()
				if _, ok := seen[h.Sequence]; ok {
					t.Errorf("duplicate sequence %d", h.Sequence)
				}
				seen[h.Sequence] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("saw %d sequences, want %d", len(seen), workers*perWorker)
	}
}
