package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glizzus/soundwire/internal/datalayer"
	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := t.Context()
	postgresContainer, err := postgres.Run(
		ctx,
		"postgres",
		postgres.WithDatabase("soundwire"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := datalayer.MigratePostgres(pool); err != nil {
		t.Fatalf("failed to migrate postgres: %v", err)
	}
	return pool
}

func TestPostgresNonceLedger(t *testing.T) {
	ctx := t.Context()
	pool := startPostgres(t)
	ledger := repository.NewPostgresNonceLedger(pool)

	fp := encryption.FingerprintOf([]byte("key-a"))
	other := encryption.FingerprintOf([]byte("key-b"))

	t.Run("An unknown key should not be found", func(t *testing.T) {
		_, ok, err := ledger.Load(ctx, fp)
		if err != nil {
			t.Fatalf("Load() returned error: %v", err)
		}
		if ok {
			t.Error("Load() found a key that was never saved")
		}
	})

	t.Run("A saved position should be loaded back", func(t *testing.T) {
		if err := ledger.Save(ctx, fp, 2048); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		next, ok, err := ledger.Load(ctx, fp)
		if err != nil || !ok || next != 2048 {
			t.Errorf("Load() = (%d, %v, %v), want (2048, true, nil)", next, ok, err)
		}
	})

	t.Run("A lower position should never move the ledger backwards", func(t *testing.T) {
		if err := ledger.Save(ctx, fp, 100); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		next, _, _ := ledger.Load(ctx, fp)
		if next != 2048 {
			t.Errorf("Load() = %d after saving a lower value, want 2048", next)
		}
	})

	t.Run("Retire should only exhaust stale keys", func(t *testing.T) {
		if err := ledger.Save(ctx, other, 1); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		_, err := pool.Exec(ctx,
			"UPDATE nonce_ledger SET updated_at = now() - interval '2 hours' WHERE key_fingerprint = $1",
			other.String(),
		)
		if err != nil {
			t.Fatalf("failed to age ledger row: %v", err)
		}

		n, err := ledger.Retire(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Retire() returned error: %v", err)
		}
		if n != 1 {
			t.Errorf("Retire() retired %d rows, want 1", n)
		}
		if next, ok, _ := ledger.Load(ctx, other); !ok || next != encryption.MaxNonceLimit {
			t.Errorf("Load(stale) = (%d, %v), want (%d, true)", next, ok, encryption.MaxNonceLimit)
		}
		if next, _, _ := ledger.Load(ctx, fp); next != 2048 {
			t.Errorf("Load(fresh) = %d after Retire(), want 2048", next)
		}
	})

	t.Run("A retired key should stay retired", func(t *testing.T) {
		if err := ledger.Save(ctx, other, 5); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		if next, _, _ := ledger.Load(ctx, other); next != encryption.MaxNonceLimit {
			t.Errorf("Load() = %d after saving into a retired key, want %d", next, encryption.MaxNonceLimit)
		}
		if n, _ := ledger.Retire(ctx, -time.Hour); n != 1 {
			t.Errorf("Retire(-1h) retired %d rows, want only the fresh key", n)
		}
	})
}

func TestEngineResumesFromPostgresLedger(t *testing.T) {
	ctx := t.Context()
	ledger := repository.NewPostgresNonceLedger(startPostgres(t))

	reg, err := encryption.NewRegistry(encryption.StdBackend{})
	if err != nil {
		t.Fatalf("NewRegistry() returned error: %v", err)
	}
	cfg := encryption.EngineConfig{
		Registry:     reg,
		Suite:        encryption.XChaCha20Poly1305RTPSize,
		Key:          make([]byte, encryption.KeySize),
		Store:        ledger,
		Leases:       encryption.NewLeaseSet(),
		ReserveBlock: 16,
	}

	first, err := encryption.NewEngine(ctx, cfg)
	if err != nil {
		t.Fatalf("NewEngine() returned error: %v", err)
	}
	header := make([]byte, 12)
	header[0] = 0x80
	for range 20 {
		if _, err := first.Seal(ctx, header, []byte("frame")); err != nil {
			t.Fatalf("Seal() returned error: %v", err)
		}
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	// 20 seals cross one reservation boundary, so the ledger holds 32.
	next, ok, err := ledger.Load(ctx, first.Fingerprint())
	if err != nil || !ok {
		t.Fatalf("Load() = (%d, %v, %v)", next, ok, err)
	}
	if next != 32 {
		t.Errorf("ledger position = %d, want 32", next)
	}

	second, err := encryption.NewEngine(ctx, cfg)
	if err != nil {
		t.Fatalf("NewEngine() for the same key returned error: %v", err)
	}
	defer second.Close(ctx)
	if got, want := second.Remaining(), encryption.MaxNonceLimit-32; got != want {
		t.Errorf("Remaining() = %d after resume, want %d", got, want)
	}
}

func TestMemoryNonceLedger(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryNonceLedger()
	fp := encryption.FingerprintOf([]byte("key"))

	if err := ledger.Save(ctx, fp, 10); err != nil {
		t.Fatalf("Save() returned error: %v", err)
	}
	if err := ledger.Save(ctx, fp, 5); err != nil {
		t.Fatalf("Save() returned error: %v", err)
	}
	if next, ok, _ := ledger.Load(ctx, fp); !ok || next != 10 {
		t.Errorf("Load() = (%d, %v), want (10, true)", next, ok)
	}

	if n, _ := ledger.Retire(ctx, time.Hour); n != 0 {
		t.Errorf("Retire(1h) retired %d fresh entries", n)
	}
	if n, _ := ledger.Retire(ctx, -time.Hour); n != 1 {
		t.Errorf("Retire(-1h) retired %d entries, want 1", n)
	}
	if next, ok, _ := ledger.Load(ctx, fp); !ok || next != encryption.MaxNonceLimit {
		t.Errorf("Load() = (%d, %v) after Retire(), want (%d, true)", next, ok, encryption.MaxNonceLimit)
	}
	if n, _ := ledger.Retire(ctx, -time.Hour); n != 0 {
		t.Errorf("Retire(-1h) retired an already retired entry")
	}
}

func TestRetiredKeyFailsClosed(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryNonceLedger()

	reg, err := encryption.NewRegistry(encryption.StdBackend{})
	if err != nil {
		t.Fatalf("NewRegistry() returned error: %v", err)
	}
	cfg := encryption.EngineConfig{
		Registry: reg,
		Suite:    encryption.AES256GCMRTPSize,
		Key:      make([]byte, encryption.KeySize),
		Store:    ledger,
		Leases:   encryption.NewLeaseSet(),
	}

	first, err := encryption.NewEngine(ctx, cfg)
	if err != nil {
		t.Fatalf("NewEngine() returned error: %v", err)
	}
	if _, err := first.Seal(ctx, make([]byte, 12), []byte("frame")); err != nil {
		t.Fatalf("Seal() returned error: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	if n, err := ledger.Retire(ctx, -time.Second); err != nil || n != 1 {
		t.Fatalf("Retire() = (%d, %v), want (1, nil)", n, err)
	}

	if _, err := encryption.NewEngine(ctx, cfg); !errors.Is(err, encryption.ErrNonceExhausted) {
		t.Fatalf("NewEngine() for a retired key error = %v, want ErrNonceExhausted", err)
	}
}
