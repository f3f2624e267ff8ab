package encryption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrKeyInUse is returned when a second engine is created for a key that
// another live engine already owns.
var ErrKeyInUse = errors.New("encryption: key already owned by a live engine")

// Fingerprint identifies a secret key without revealing it. It is the
// SHA-256 of the key bytes.
type Fingerprint [sha256.Size]byte

// FingerprintOf hashes key.
func FingerprintOf(key []byte) Fingerprint {
	return sha256.Sum256(key)
}

// String returns the full hex form, used as a storage key.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:4])
}

// NonceStore persists the nonce high-water mark of a key so that an engine
// re-created for the same key resumes past every nonce already used.
type NonceStore interface {
	// Load returns the stored resume position for fp, or ok=false if the key
	// has never been seen.
	Load(ctx context.Context, fp Fingerprint) (next uint64, ok bool, err error)
	// Save records next as the resume position for fp. Implementations must
	// never move a stored value backwards.
	Save(ctx context.Context, fp Fingerprint, next uint64) error
}

// LeaseSet tracks which keys are owned by a live engine in this process.
type LeaseSet struct {
	mu   sync.Mutex
	held map[Fingerprint]struct{}
}

// NewLeaseSet returns an empty LeaseSet.
func NewLeaseSet() *LeaseSet {
	return &LeaseSet{held: make(map[Fingerprint]struct{})}
}

// DefaultLeases is the process-wide lease set used when an engine is not
// given one explicitly.
var DefaultLeases = NewLeaseSet()

// Acquire takes ownership of fp.
func (l *LeaseSet) Acquire(fp Fingerprint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[fp]; ok {
		return ErrKeyInUse
	}
	l.held[fp] = struct{}{}
	return nil
}

// Release gives up ownership of fp.
func (l *LeaseSet) Release(fp Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, fp)
}

// Held reports whether fp is currently owned.
func (l *LeaseSet) Held(fp Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[fp]
	return ok
}
