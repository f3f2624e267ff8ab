package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the length of the negotiated secret key for every suite.
const KeySize = 32

// ErrBackendUnavailable is returned by a Backend that cannot construct a
// cipher for a suite family on this host.
var ErrBackendUnavailable = errors.New("encryption backend unavailable")

// ErrOpen is returned when a packet fails authentication.
var ErrOpen = errors.New("encryption: message authentication failed")

// Backend constructs the AEAD primitives behind the suites. There is one
// method per cipher family; a backend that cannot provide one returns
// ErrBackendUnavailable.
type Backend interface {
	Name() string
	AES256GCM(key []byte) (cipher.AEAD, error)
	XChaCha20Poly1305(key []byte) (cipher.AEAD, error)
	XSalsa20Poly1305(key []byte) (cipher.AEAD, error)
}

// StdBackend is the statically linked backend: crypto/aes for AES-GCM and
// golang.org/x/crypto for the ChaCha and Salsa families.
type StdBackend struct{}

var _ Backend = StdBackend{}

func (StdBackend) Name() string {
	return "std"
}

func (StdBackend) AES256GCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes-256-gcm: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-256-gcm: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-256-gcm: %w", err)
	}
	return aead, nil
}

func (StdBackend) XChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20-poly1305: %w", err)
	}
	return aead, nil
}

func (StdBackend) XSalsa20Poly1305(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("xsalsa20-poly1305: key must be %d bytes, got %d", KeySize, len(key))
	}
	sb := &secretBox{}
	copy(sb.key[:], key)
	return sb, nil
}

// secretBox adapts nacl/secretbox to cipher.AEAD. Secretbox has no notion of
// additional data, so any passed in is a caller bug.
type secretBox struct {
	key [KeySize]byte
}

const secretBoxNonceSize = 24

func (s *secretBox) NonceSize() int {
	return secretBoxNonceSize
}

func (s *secretBox) Overhead() int {
	return secretbox.Overhead
}

func (s *secretBox) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	if len(additionalData) != 0 {
		panic("encryption: secretbox does not authenticate additional data")
	}
	var n [secretBoxNonceSize]byte
	if copy(n[:], nonce) != secretBoxNonceSize {
		panic("encryption: secretbox nonce must be 24 bytes")
	}
	return secretbox.Seal(dst, plaintext, &n, &s.key)
}

func (s *secretBox) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(additionalData) != 0 {
		panic("encryption: secretbox does not authenticate additional data")
	}
	var n [secretBoxNonceSize]byte
	if copy(n[:], nonce) != secretBoxNonceSize {
		panic("encryption: secretbox nonce must be 24 bytes")
	}
	out, ok := secretbox.Open(dst, ciphertext, &n, &s.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
