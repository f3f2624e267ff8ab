package encryption

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrEngineClosed is returned by an Engine after Close.
var ErrEngineClosed = errors.New("encryption: engine closed")

// DefaultReserveBlock is how many nonces an engine reserves in its
// NonceStore ahead of use.
const DefaultReserveBlock = 1024

// EngineConfig holds everything needed to build an Engine for one session.
type EngineConfig struct {
	Registry *Registry
	Suite    Suite
	Key      []byte

	// Store persists the nonce high-water mark. Without one, the engine
	// cannot resume a key across reconnects, and callers must renegotiate a
	// fresh key instead.
	Store NonceStore

	// Leases defaults to DefaultLeases.
	Leases *LeaseSet

	// Random defaults to crypto/rand.
	Random io.Reader

	// NonceLimit defaults to the suite's own limit: MaxNonceLimit, or
	// HeaderNonceLimit for xsalsa20_poly1305. It can only lower that limit.
	NonceLimit uint64

	// ReserveBlock defaults to DefaultReserveBlock.
	ReserveBlock uint64

	Logger *slog.Logger
}

// Engine encrypts the outbound packets of a single session. It exclusively
// owns the key and the nonce counter; every Seal is serialised.
type Engine struct {
	mu sync.Mutex

	suite    Suite
	strategy strategy
	aead     cipher.AEAD
	random   io.Reader

	fingerprint Fingerprint
	leases      *LeaseSet
	store       NonceStore
	counter     *NonceCounter
	reserved    uint64
	block       uint64
	closed      bool

	nonce []byte

	logger *slog.Logger
}

// NewEngine validates the configuration, acquires the key lease and
// restores the nonce counter. A suite the registry cannot serve is a
// configuration error.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("encryption: registry is required")
	}
	if !cfg.Registry.Supports(cfg.Suite) {
		return nil, &UnsupportedSuiteError{Offered: []string{string(cfg.Suite)}}
	}
	if len(cfg.Key) != KeySize {
		return nil, fmt.Errorf("encryption: key must be %d bytes, got %d", KeySize, len(cfg.Key))
	}

	strat := strategies[cfg.Suite]
	aead, err := strat.newAEAD(cfg.Registry.Backend(), cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption: build %s cipher: %w", cfg.Suite, err)
	}

	e := &Engine{
		suite:       cfg.Suite,
		strategy:    strat,
		aead:        aead,
		random:      cfg.Random,
		fingerprint: FingerprintOf(cfg.Key),
		leases:      cfg.Leases,
		store:       cfg.Store,
		block:       cfg.ReserveBlock,
		nonce:       make([]byte, aead.NonceSize()),
		logger:      cfg.Logger,
	}
	if e.random == nil {
		e.random = rand.Reader
	}
	if e.leases == nil {
		e.leases = DefaultLeases
	}
	if e.block == 0 {
		e.block = DefaultReserveBlock
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	if err := e.leases.Acquire(e.fingerprint); err != nil {
		return nil, err
	}

	var next uint64
	if e.store != nil {
		stored, ok, err := e.store.Load(ctx, e.fingerprint)
		if err != nil {
			e.leases.Release(e.fingerprint)
			return nil, fmt.Errorf("encryption: load nonce position: %w", err)
		}
		if ok {
			next = stored
		}
	}
	if next > 0 && !strat.resumable() {
		e.leases.Release(e.fingerprint)
		return nil, fmt.Errorf("%w: %s cannot resume key %s at %d", ErrNonceExhausted, cfg.Suite, e.fingerprint.Short(), next)
	}

	limit := strat.nonceLimit()
	if cfg.NonceLimit != 0 && cfg.NonceLimit < limit {
		limit = cfg.NonceLimit
	}
	e.counter = NewNonceCounter(next, limit)
	if e.counter.Remaining() == 0 {
		e.leases.Release(e.fingerprint)
		return nil, fmt.Errorf("%w: key %s has no nonces left", ErrNonceExhausted, e.fingerprint.Short())
	}

	if err := e.reserve(ctx); err != nil {
		e.leases.Release(e.fingerprint)
		return nil, err
	}

	e.logger.Debug("encryption engine ready",
		"suite", e.suite,
		"key", e.fingerprint.Short(),
		"nonce_next", e.counter.Next(),
	)
	return e, nil
}

// reserve moves the stored high-water mark one block past the counter so a
// crash can never lead to a resumed engine reusing an issued nonce.
func (e *Engine) reserve(ctx context.Context) error {
	if e.store == nil || e.counter.Remaining() == 0 {
		return nil
	}
	mark := e.counter.Next() + e.block
	if rem := e.counter.Remaining(); e.block > rem {
		mark = e.counter.Next() + rem
	}
	if err := e.store.Save(ctx, e.fingerprint, mark); err != nil {
		return fmt.Errorf("encryption: reserve nonces: %w", err)
	}
	e.reserved = mark
	return nil
}

// Suite returns the suite this engine encrypts with.
func (e *Engine) Suite() Suite {
	return e.suite
}

// Fingerprint returns the fingerprint of the engine's key.
func (e *Engine) Fingerprint() Fingerprint {
	return e.fingerprint
}

// Overhead is the number of bytes Seal adds beyond header and payload.
func (e *Engine) Overhead() int {
	return e.aead.Overhead() + e.strategy.suffixSize()
}

// Remaining reports how many more packets can be sealed with this key.
func (e *Engine) Remaining() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter.Remaining()
}

// Seal returns header‖ciphertext‖tag‖suffix for one outbound packet. header
// must be the 12-byte RTP header of this packet.
func (e *Engine) Seal(ctx context.Context, header, payload []byte) ([]byte, error) {
	if len(header) != rtpHeaderSize {
		panic(fmt.Sprintf("encryption: header must be %d bytes, got %d", rtpHeaderSize, len(header)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.store != nil && e.counter.Next() >= e.reserved {
		if err := e.reserve(ctx); err != nil {
			return nil, err
		}
	}

	suffix, err := e.strategy.fillNonce(e.nonce, header, e.counter, e.random)
	if err != nil {
		return nil, fmt.Errorf("encryption: %s nonce: %w", e.suite, err)
	}

	var aad []byte
	if e.strategy.authenticatesHeader() {
		aad = header
	}

	out := make([]byte, 0, len(header)+len(payload)+e.aead.Overhead()+len(suffix))
	out = append(out, header...)
	out = e.aead.Seal(out, e.nonce, payload, aad)
	out = append(out, suffix...)
	return out, nil
}

// Open authenticates and decrypts a packet produced by Seal with the same
// key and suite, returning its header and payload.
func (e *Engine) Open(packet []byte) (header, payload []byte, err error) {
	suffixSize := e.strategy.suffixSize()
	if len(packet) < rtpHeaderSize+e.aead.Overhead()+suffixSize {
		return nil, nil, fmt.Errorf("encryption: packet too short: %d bytes", len(packet))
	}

	header = packet[:rtpHeaderSize]
	body := packet[rtpHeaderSize : len(packet)-suffixSize]
	suffix := packet[len(packet)-suffixSize:]

	nonce := make([]byte, e.aead.NonceSize())
	e.strategy.recoverNonce(nonce, header, suffix)

	var aad []byte
	if e.strategy.authenticatesHeader() {
		aad = header
	}

	payload, err = e.aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return header, payload, nil
}

// Close persists the counter position and releases the key lease. The
// engine cannot be used afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	defer e.leases.Release(e.fingerprint)

	if e.store != nil {
		if err := e.store.Save(ctx, e.fingerprint, e.counter.Next()); err != nil {
			return fmt.Errorf("encryption: persist nonce position: %w", err)
		}
	}
	return nil
}
