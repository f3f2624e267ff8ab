package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NonceLedger is an encryption.NonceStore that can also retire keys that
// have not been used for a while. A retired key keeps its row, marked as
// exhausted, so an engine built for it again fails closed instead of starting
// over at zero.
type NonceLedger interface {
	encryption.NonceStore
	Retire(ctx context.Context, olderThan time.Duration) (int64, error)
}

type PostgresNonceLedger struct {
	db *pgxpool.Pool
}

func NewPostgresNonceLedger(db *pgxpool.Pool) *PostgresNonceLedger {
	return &PostgresNonceLedger{db: db}
}

var _ NonceLedger = (*PostgresNonceLedger)(nil)

func (r *PostgresNonceLedger) Load(ctx context.Context, fp encryption.Fingerprint) (uint64, bool, error) {
	const query = `SELECT next_nonce FROM nonce_ledger WHERE key_fingerprint = $1`

	var next int64
	err := r.db.QueryRow(ctx, query, fp.String()).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load nonce position: %w", err)
	}
	return uint64(next), true, nil
}

// Save upserts next, keeping the larger of the stored and given values.
func (r *PostgresNonceLedger) Save(ctx context.Context, fp encryption.Fingerprint, next uint64) error {
	if next > math.MaxInt64 {
		return fmt.Errorf("nonce position %d does not fit in the ledger", next)
	}

	const query = `
	INSERT INTO nonce_ledger (key_fingerprint, next_nonce, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (key_fingerprint) DO UPDATE SET
		next_nonce = GREATEST(nonce_ledger.next_nonce, EXCLUDED.next_nonce),
		updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, fp.String(), int64(next)); err != nil {
		return fmt.Errorf("failed to save nonce position: %w", err)
	}
	return nil
}

// Retire marks entries not touched within olderThan as exhausted and returns
// how many were newly retired. Rows are never deleted.
func (r *PostgresNonceLedger) Retire(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
	UPDATE nonce_ledger
	SET next_nonce = $2, updated_at = now()
	WHERE updated_at < $1 AND next_nonce < $2
	`

	tag, err := r.db.Exec(ctx, query, time.Now().Add(-olderThan), int64(encryption.MaxNonceLimit))
	if err != nil {
		return 0, fmt.Errorf("failed to retire nonce ledger entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

type memoryEntry struct {
	next    uint64
	updated time.Time
}

// MemoryNonceLedger keeps positions in process memory. It survives
// reconnects but not restarts.
type MemoryNonceLedger struct {
	mu      sync.Mutex
	entries map[encryption.Fingerprint]memoryEntry
	now     func() time.Time
}

func NewMemoryNonceLedger() *MemoryNonceLedger {
	return &MemoryNonceLedger{
		entries: make(map[encryption.Fingerprint]memoryEntry),
		now:     time.Now,
	}
}

var _ NonceLedger = (*MemoryNonceLedger)(nil)

func (m *MemoryNonceLedger) Load(_ context.Context, fp encryption.Fingerprint) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	return e.next, ok, nil
}

func (m *MemoryNonceLedger) Save(_ context.Context, fp encryption.Fingerprint, next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[fp]
	e.next = max(e.next, next)
	e.updated = m.now()
	m.entries[fp] = e
	return nil
}

func (m *MemoryNonceLedger) Retire(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for fp, e := range m.entries {
		if e.updated.Before(cutoff) && e.next < encryption.MaxNonceLimit {
			m.entries[fp] = memoryEntry{next: encryption.MaxNonceLimit, updated: now}
			n++
		}
	}
	return n, nil
}
