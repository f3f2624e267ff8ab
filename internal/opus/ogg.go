package opus

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/jonas747/ogg"
)

var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// OggReader yields the audio packets of an Ogg/Opus stream, skipping the
// identification and comment headers.
type OggReader struct {
	dec *ogg.PacketDecoder
}

// NewOggReader returns an OggReader reading pages from r.
func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{dec: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
}

// ReadFrame returns the next Opus packet, or io.EOF at the end of the
// stream. A stream cut off mid-page also ends with io.EOF, matching how
// ffmpeg output is consumed.
func (o *OggReader) ReadFrame() ([]byte, error) {
	for {
		packet, _, err := o.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("opus: decode ogg page: %w", err)
		}
		if len(packet) == 0 || bytes.HasPrefix(packet, opusHeadMagic) || bytes.HasPrefix(packet, opusTagsMagic) {
			continue
		}
		return packet, nil
	}
}
