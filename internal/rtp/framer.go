// Package rtp stamps outbound voice frames with the fixed 12-byte RTP header.
//
// Only the fixed header is used: no CSRCs, no extensions, no padding. The
// header is the authentication context for the rtpsize cipher suites, so it
// is marshalled once per frame and never cached across frames.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	pionrtp "github.com/pion/rtp"
)

const (
	// HeaderSize is the size of the fixed RTP header in bytes.
	HeaderSize = 12

	// Version is the RTP version carried in the first header byte (0x80).
	Version = 2

	// PayloadTypeOpus is the payload type the voice server expects for Opus.
	PayloadTypeOpus uint8 = 0x78

	// FrameDuration is the number of samples in one 20ms frame at 48kHz.
	FrameDuration uint32 = 960
)

// Header is the value of one RTP header. It is produced by a Framer and is
// immutable once returned.
type Header struct {
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// Marshal returns the 12-byte wire form of h.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	h.MarshalTo(buf)
	return buf
}

// MarshalTo writes the wire form of h into dst, which must hold at least
// HeaderSize bytes.
func (h Header) MarshalTo(dst []byte) {
	if len(dst) < HeaderSize {
		panic(fmt.Sprintf("rtp: header buffer too small: %d < %d", len(dst), HeaderSize))
	}
	n, err := h.pion().MarshalTo(dst)
	if err != nil || n != HeaderSize {
		// A fixed header with no CSRCs or extensions always marshals to 12
		// bytes; anything else is a bug in the framer.
		panic(fmt.Sprintf("rtp: marshal header: n=%d err=%v", n, err))
	}
}

func (h Header) pion() *pionrtp.Header {
	return &pionrtp.Header{
		Version:        Version,
		PayloadType:    h.PayloadType,
		SequenceNumber: h.Sequence,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
	}
}

// ParseHeader decodes the fixed header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("rtp: packet too short for header: %d bytes", len(b))
	}
	var ph pionrtp.Header
	if _, err := ph.Unmarshal(b); err != nil {
		return Header{}, fmt.Errorf("rtp: unmarshal header: %w", err)
	}
	if ph.Version != Version {
		return Header{}, fmt.Errorf("rtp: unexpected version %d", ph.Version)
	}
	return Header{
		PayloadType: ph.PayloadType,
		Sequence:    ph.SequenceNumber,
		Timestamp:   ph.Timestamp,
		SSRC:        ph.SSRC,
	}, nil
}

// Framer owns the sequence and timestamp counters of one outbound stream.
// Counters start at random values and can only move forward through Next.
//
// Framer is safe for concurrent use, but callers should confine a stream to
// a single sender so that header order matches send order.
type Framer struct {
	mu sync.Mutex

	ssrc          uint32
	payloadType   uint8
	frameDuration uint32

	sequence  uint16
	timestamp uint32
}

// Option configures a Framer.
type Option func(*Framer)

// WithStart overrides the random starting counters.
func WithStart(sequence uint16, timestamp uint32) Option {
	return func(f *Framer) {
		f.sequence = sequence
		f.timestamp = timestamp
	}
}

// WithFrameDuration sets how many samples the timestamp advances per frame.
func WithFrameDuration(samples uint32) Option {
	return func(f *Framer) {
		f.frameDuration = samples
	}
}

// WithPayloadType sets the payload type stamped into every header.
func WithPayloadType(pt uint8) Option {
	return func(f *Framer) {
		f.payloadType = pt
	}
}

// NewFramer returns a Framer for ssrc with random starting counters.
func NewFramer(ssrc uint32, opts ...Option) *Framer {
	var seed [6]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("rtp: read random counters: %v", err))
	}

	f := &Framer{
		ssrc:          ssrc,
		payloadType:   PayloadTypeOpus,
		frameDuration: FrameDuration,
		sequence:      binary.BigEndian.Uint16(seed[0:2]),
		timestamp:     binary.BigEndian.Uint32(seed[2:6]),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.payloadType > 0x7f {
		panic(fmt.Sprintf("rtp: payload type %#x does not fit in 7 bits", f.payloadType))
	}
	return f
}

// SSRC returns the stream's synchronisation source.
func (f *Framer) SSRC() uint32 {
	return f.ssrc
}

// Next returns the header for the current frame and advances the counters
// for the following one. Sequence wraps at 2^16, timestamp at 2^32.
func (f *Framer) Next() Header {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := Header{
		PayloadType: f.payloadType,
		Sequence:    f.sequence,
		Timestamp:   f.timestamp,
		SSRC:        f.ssrc,
	}
	f.sequence++
	f.timestamp += f.frameDuration
	return h
}

// BuildHeader writes the next header into dst and returns it. It is the
// marshalled equivalent of Next.
func (f *Framer) BuildHeader(dst []byte) Header {
	h := f.Next()
	h.MarshalTo(dst)
	return h
}
