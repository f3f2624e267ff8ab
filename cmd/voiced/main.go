package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glizzus/soundwire/internal/config"
	"github.com/glizzus/soundwire/internal/datalayer"
	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/heartbeat"
	"github.com/glizzus/soundwire/internal/notify"
	"github.com/glizzus/soundwire/internal/observe"
	"github.com/glizzus/soundwire/internal/playback"
	"github.com/glizzus/soundwire/internal/presenters"
	"github.com/glizzus/soundwire/internal/repository"
	"github.com/glizzus/soundwire/internal/rtp"
	"github.com/glizzus/soundwire/internal/schedule"
	"github.com/glizzus/soundwire/internal/udp"
	"github.com/glizzus/soundwire/internal/worker"
	"github.com/redis/go-redis/v9"
)

var dryRun = flag.Bool("dry-run", false, "Do not connect to a voice server, just print job info to terminal")

const connectAttempts = 3

func connect(ctx context.Context, session *udp.Session, cfg *config.VoiceConfig) error {
	ep := udp.Endpoint{IP: cfg.IP, Port: cfg.Port}
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		var tr udp.Transition
		tr, err = session.Connect(attemptCtx, ep, cfg.SSRC)
		cancel()
		if err == nil {
			slog.Info("voice session connected",
				"endpoint", ep.String(),
				"external", tr.External.String(),
				"rebuilt", tr.Rebuilt,
			)
			return nil
		}
		// Only a failed discovery leaves the session retryable.
		if session.Status() != udp.StatusConnecting || ctx.Err() != nil {
			break
		}
		slog.Warn("voice discovery failed, retrying", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("failed to connect to %s: %w", ep, err)
}

func scheduleRetire(ctx context.Context, sched *schedule.Scheduler, ledger repository.NonceLedger, cfg *config.ServiceConfig) (*schedule.Handle, error) {
	interval, err := schedule.Cron(cfg.NonceRetireCron)
	if err != nil {
		return nil, err
	}
	return sched.Schedule(ctx, schedule.Job{
		Name:     "nonce-ledger-retire",
		Interval: interval,
		Run: func(ctx context.Context, _ schedule.Tick) error {
			n, err := ledger.Retire(ctx, cfg.NonceRetention)
			if err != nil {
				// Retry on the next tick.
				slog.ErrorContext(ctx, "failed to retire idle nonce ledger keys", "error", err)
				return nil
			}
			slog.InfoContext(ctx, "retired idle nonce ledger keys", "retired", n)
			return nil
		},
	}), nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func runVoicedForever() error {
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No .env file found, continuing without it")
		} else {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	serviceConfig, err := config.NewServiceConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load service config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: serviceConfig.LogLevel}))
	slog.SetDefault(logger)

	redisConfig, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load redis config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	consumer, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	receiver, err := worker.NewRedisJobReceiver(ctx, rdb, redisConfig.Stream, redisConfig.Group, consumer)
	if err != nil {
		return err
	}

	if *dryRun {
		err := worker.Consume(ctx, receiver, &worker.PrintingJobHandler{})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	voiceConfig, err := config.NewVoiceConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load voice config: %w", err)
	}
	discordConfig, err := config.NewDiscordConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load discord config: %w", err)
	}

	mp, err := observe.InitProvider(serviceConfig.Name)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			slog.Error("failed to shut down meter provider", "error", err)
		}
	}()
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	metricsServer := serveMetrics(serviceConfig.MetricsAddr)
	defer metricsServer.Close()

	pool, err := datalayer.NewPostgresPoolFromEnv(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := datalayer.MigratePostgres(pool); err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}
	ledger := repository.NewPostgresNonceLedger(pool)

	storage, err := datalayer.NewMinioStorageFromEnv()
	if err != nil {
		return fmt.Errorf("failed to create blob storage: %w", err)
	}

	notifier, err := notify.NewFromConfig(discordConfig)
	if err != nil {
		return err
	}

	sched := schedule.New(schedule.WithLogger(logger), schedule.WithMetrics(metrics))
	defer sched.Close()

	if _, err := scheduleRetire(ctx, sched, ledger, serviceConfig); err != nil {
		return fmt.Errorf("failed to schedule nonce ledger pruning: %w", err)
	}

	registry, err := encryption.NewRegistry(encryption.StdBackend{})
	if err != nil {
		return err
	}
	suite, err := registry.Negotiate(voiceConfig.CipherSuites)
	if err != nil {
		return fmt.Errorf("failed to negotiate cipher suite: %w", err)
	}

	session := udp.New(
		udp.WithLogger(logger),
		udp.WithObserver(udp.ObserverFuncs{
			Error: func(err error) {
				slog.Warn("voice transport error", "error", err)
			},
			Close: func() {
				metrics.SessionClosed(context.Background())
				slog.Info("voice session closed")
			},
		}),
	)
	defer session.Close()

	if err := connect(ctx, session, voiceConfig); err != nil {
		return err
	}
	metrics.SessionOpened(ctx)

	engine, err := encryption.NewEngine(ctx, encryption.EngineConfig{
		Registry: registry,
		Suite:    suite,
		Key:      voiceConfig.SecretKey,
		Store:    ledger,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create encryption engine: %w", err)
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			slog.Error("failed to close encryption engine", "error", err)
		}
	}()

	hb, err := heartbeat.New(session, voiceConfig.HeartbeatInterval.Duration(),
		heartbeat.WithScheduler(sched),
		heartbeat.WithLogger(logger),
		heartbeat.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if err := hb.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}
	defer hb.Stop()

	view := func() presenters.SessionView {
		return presenters.SessionView{
			Endpoint:   udp.Endpoint{IP: voiceConfig.IP, Port: voiceConfig.Port}.String(),
			External:   session.External(),
			SSRC:       session.SSRC(),
			Status:     session.Status(),
			Suite:      engine.Suite(),
			Rebuilds:   session.Rebuilds(),
			Keepalives: hb.Sent(),
		}
	}
	if err := notifier.SessionStatus(ctx, view()); err != nil {
		slog.Warn("failed to notify session status", "error", err)
	}

	player := playback.New(session, rtp.NewFramer(voiceConfig.SSRC), engine, sched,
		playback.WithLogger(logger),
		playback.WithMetrics(metrics),
	)
	handler := worker.NewPlaybackHandler(storage, player,
		worker.WithCanceller(worker.NewRedisCanceller(rdb, redisConfig.Stream+":cancelled")),
		worker.WithMetrics(metrics),
		worker.WithOutcome(notifier.JobOutcomeFunc(ctx)),
	)

	consumeErr := make(chan error, 1)
	go func() { consumeErr <- worker.Consume(ctx, receiver, handler) }()

	select {
	case err = <-consumeErr:
	case <-session.Done():
		err = fmt.Errorf("voice session closed: %w", udp.ErrSessionClosed)
		stop()
		<-consumeErr
	}
	handler.Wait()

	if err := notifier.SessionStatus(context.Background(), view()); err != nil {
		slog.Warn("failed to notify session status", "error", err)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	if err := runVoicedForever(); err != nil {
		slog.Error("voiced encountered an error", slog.Any("error", err))
		os.Exit(1)
	}
}
