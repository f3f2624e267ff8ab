package encryption

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
)

// rtpHeaderSize is the fixed header every outbound packet starts with.
const rtpHeaderSize = 12

// counterSuffixSize is the number of counter bytes appended to the packet by
// the counter-based suites.
const counterSuffixSize = 4

// strategy is the per-suite nonce discipline. Strategies share no state;
// the counter they are handed belongs to the Engine.
type strategy interface {
	newAEAD(b Backend, key []byte) (cipher.AEAD, error)

	// suffixSize is how many nonce bytes travel after the ciphertext.
	suffixSize() int

	// authenticatesHeader reports whether the RTP header is passed as AAD.
	authenticatesHeader() bool

	// fillNonce writes the nonce for the packet with the given header into
	// nonce and returns the suffix to append.
	fillNonce(nonce, header []byte, counter *NonceCounter, random io.Reader) (suffix []byte, err error)

	// recoverNonce rebuilds the sender's nonce from a received packet.
	recoverNonce(nonce, header, suffix []byte)

	// nonceLimit is the most packets one key may seal under this suite.
	nonceLimit() uint64

	// resumable reports whether a key that already sealed packets may be
	// picked up again from its stored position.
	resumable() bool
}

var strategies = map[Suite]strategy{
	AES256GCMRTPSize: counterStrategy{
		construct: Backend.AES256GCM,
		aad:       true,
	},
	XChaCha20Poly1305RTPSize: counterStrategy{
		construct: Backend.XChaCha20Poly1305,
		aad:       true,
	},
	XSalsa20Poly1305Lite: counterStrategy{
		construct: Backend.XSalsa20Poly1305,
	},
	XSalsa20Poly1305Suffix: randomStrategy{},
	XSalsa20Poly1305:       headerStrategy{},
}

// counterStrategy writes a big-endian 32-bit counter into the first four
// bytes of an otherwise zero nonce and sends those four bytes as the suffix.
type counterStrategy struct {
	construct func(Backend, []byte) (cipher.AEAD, error)
	aad       bool
}

func (s counterStrategy) newAEAD(b Backend, key []byte) (cipher.AEAD, error) {
	return s.construct(b, key)
}

func (counterStrategy) suffixSize() int {
	return counterSuffixSize
}

func (s counterStrategy) authenticatesHeader() bool {
	return s.aad
}

func (counterStrategy) fillNonce(nonce, _ []byte, counter *NonceCounter, _ io.Reader) ([]byte, error) {
	v, err := counter.Advance()
	if err != nil {
		return nil, err
	}
	clear(nonce)
	binary.BigEndian.PutUint32(nonce[:counterSuffixSize], v)
	suffix := make([]byte, counterSuffixSize)
	copy(suffix, nonce[:counterSuffixSize])
	return suffix, nil
}

func (counterStrategy) recoverNonce(nonce, _, suffix []byte) {
	clear(nonce)
	copy(nonce, suffix)
}

func (counterStrategy) nonceLimit() uint64 { return MaxNonceLimit }

func (counterStrategy) resumable() bool { return true }

// randomStrategy draws a fresh 24-byte nonce per packet and ships all of it.
// The counter still advances so the session's packet budget is enforced.
type randomStrategy struct{}

func (randomStrategy) newAEAD(b Backend, key []byte) (cipher.AEAD, error) {
	return b.XSalsa20Poly1305(key)
}

func (randomStrategy) suffixSize() int {
	return secretBoxNonceSize
}

func (randomStrategy) authenticatesHeader() bool {
	return false
}

func (randomStrategy) fillNonce(nonce, _ []byte, counter *NonceCounter, random io.Reader) ([]byte, error) {
	if _, err := counter.Advance(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("read random nonce: %w", err)
	}
	suffix := make([]byte, len(nonce))
	copy(suffix, nonce)
	return suffix, nil
}

func (randomStrategy) recoverNonce(nonce, _, suffix []byte) {
	copy(nonce, suffix)
}

func (randomStrategy) nonceLimit() uint64 { return MaxNonceLimit }

func (randomStrategy) resumable() bool { return true }

// headerStrategy uses the RTP header itself, zero padded, as the nonce.
// Uniqueness rests on a single framer never repeating a sequence/timestamp
// pair, which holds for HeaderNonceLimit frames. A reconnect starts a new
// framer at a random position, so a key that has sealed anything cannot be
// resumed.
type headerStrategy struct{}

func (headerStrategy) newAEAD(b Backend, key []byte) (cipher.AEAD, error) {
	return b.XSalsa20Poly1305(key)
}

func (headerStrategy) suffixSize() int {
	return 0
}

func (headerStrategy) authenticatesHeader() bool {
	return false
}

func (headerStrategy) fillNonce(nonce, header []byte, counter *NonceCounter, _ io.Reader) ([]byte, error) {
	if _, err := counter.Advance(); err != nil {
		return nil, err
	}
	clear(nonce)
	copy(nonce, header)
	return nil, nil
}

func (headerStrategy) recoverNonce(nonce, header, _ []byte) {
	clear(nonce)
	copy(nonce, header)
}

func (headerStrategy) nonceLimit() uint64 { return HeaderNonceLimit }

func (headerStrategy) resumable() bool { return false }
