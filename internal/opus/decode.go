package opus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame the length prefix can describe.
const MaxFrameSize = 1<<16 - 1

// FrameReader reads length-prefixed Opus frames from an io.Reader.
type FrameReader struct {
	r   io.Reader
	hdr [2]byte
}

// NewFrameReader returns a new FrameReader that reads from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads and returns the next raw Opus frame.
// Returns io.EOF when there are no more frames, and an error wrapping
// io.ErrUnexpectedEOF if the stream ends inside a frame.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("opus: read frame length: %w", err)
	}
	size := binary.LittleEndian.Uint16(f.hdr[:])

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("opus: read %d byte frame: %w", size, err)
	}
	return frame, nil
}

// FrameWriter writes length-prefixed Opus frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter returns a new FrameWriter that writes to w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame with its length prefix.
func (f *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("opus: frame of %d bytes exceeds %d", len(frame), MaxFrameSize)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(frame)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.w.Write(frame)
	return err
}

// Source is anything that yields frames until io.EOF.
type Source interface {
	ReadFrame() ([]byte, error)
}

// Copy writes every frame from src to dst and returns how many were copied.
func Copy(dst *FrameWriter, src Source) (int, error) {
	n := 0
	for {
		frame, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := dst.WriteFrame(frame); err != nil {
			return n, err
		}
		n++
	}
}
