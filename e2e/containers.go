package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/glizzus/soundwire/internal/datalayer"
	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/generator"
	"github.com/glizzus/soundwire/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var seedOnce sync.Once

// SeedGlobalNoise fills the ledger with unrelated keys so tests see a
// populated table.
func SeedGlobalNoise(t *testing.T, ledger *repository.PostgresNonceLedger) {
	t.Helper()
	seedOnce.Do(func() {
		uuidGen := generator.UUIDV4Generator{}
		for i := range 100 {
			id, _ := uuidGen.Next()
			fp := encryption.FingerprintOf([]byte(id))
			if err := ledger.Save(t.Context(), fp, uint64(i)*encryption.DefaultReserveBlock); err != nil {
				t.Fatalf("failed to seed nonce ledger: %v", err)
			}
		}
	})
}

var (
	pgOnce            sync.Once
	postgresContainer *postgres.PostgresContainer
	pgConnStr         string
	pgStartErr        error

	redisOnce      sync.Once
	redisContainer *tcredis.RedisContainer
	redisConnStr   string
	redisStartErr  error

	wg sync.WaitGroup
)

// UsePostgres signals that the test is using Postgres as its database.
// This will either provision or reuse a Postgres container for the test.
// Do not expect a clean state in the database; it is shared across tests
// to simulate real-world usage.
func UsePostgres(t *testing.T) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx := context.Background()
		postgresContainer, pgStartErr = postgres.Run(
			ctx,
			"postgres",
			postgres.WithDatabase("soundwire"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			postgres.BasicWaitStrategies(),
		)
		if pgStartErr != nil {
			return
		}
		pgConnStr, pgStartErr = postgresContainer.ConnectionString(ctx)
		if pgStartErr != nil {
			return
		}

		var pool *pgxpool.Pool
		pool, pgStartErr = pgxpool.New(ctx, pgConnStr)
		if pgStartErr != nil {
			return
		}
		defer pool.Close()

		pgStartErr = datalayer.MigratePostgres(pool)
	})

	if pgStartErr != nil {
		t.Fatalf("failed to start postgres container: %v", pgStartErr)
	}
	wg.Add(1)
	t.Cleanup(wg.Done)

	return pgConnStr
}

// UseRedis is UsePostgres for Redis. Tests must use their own stream and
// key names.
func UseRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisOnce.Do(func() {
		ctx := context.Background()
		redisContainer, redisStartErr = tcredis.Run(ctx, "redis:7")
		if redisStartErr != nil {
			return
		}
		redisConnStr, redisStartErr = redisContainer.ConnectionString(ctx)
	})

	if redisStartErr != nil {
		t.Fatalf("failed to start redis container: %v", redisStartErr)
	}
	opts, err := redis.ParseURL(redisConnStr)
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}
	client := redis.NewClient(opts)

	wg.Add(1)
	t.Cleanup(func() {
		client.Close()
		wg.Done()
	})
	return client
}

// GetNonceLedger connects a ledger to the shared database. It performs no
// migrations.
func GetNonceLedger(t *testing.T, connStr string) *repository.PostgresNonceLedger {
	t.Helper()
	pool, err := pgxpool.New(t.Context(), connStr)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}

	t.Cleanup(pool.Close)
	return repository.NewPostgresNonceLedger(pool)
}

func TerminatePostgresForE2E() {
	wg.Wait()
	if postgresContainer != nil {
		err := postgresContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate postgres container: %v", err)
		}
	}
}

func TerminateRedisForE2E() {
	wg.Wait()
	if redisContainer != nil {
		err := redisContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate redis container: %v", err)
		}
	}
}
