package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/glizzus/soundwire/internal/config"
	"github.com/glizzus/soundwire/internal/datalayer"
	"github.com/glizzus/soundwire/internal/encryption"
	"github.com/glizzus/soundwire/internal/generator"
	"github.com/glizzus/soundwire/internal/opus"
	"github.com/glizzus/soundwire/internal/schedule"
	"github.com/glizzus/soundwire/internal/udp"
	"github.com/glizzus/soundwire/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

var uuidGenerator = generator.UUIDV4Generator{}

func redisFromEnv(ctx context.Context) (*redis.Client, *config.RedisConfig, error) {
	cfg, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, cfg, nil
}

// runTimes resolves the --at, --in and --cron flags into start times.
func runTimes(c *cli.Context) ([]time.Time, error) {
	switch {
	case c.IsSet("cron"):
		return schedule.NextRunTimes(c.String("cron"), c.Int("count"))
	case c.IsSet("at"):
		at, err := time.Parse(time.RFC3339, c.String("at"))
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		return []time.Time{at}, nil
	default:
		return []time.Time{time.Now().Add(c.Duration("in"))}, nil
	}
}

func encodeAction(c *cli.Context) error {
	in, err := os.Open(c.String("in"))
	if err != nil {
		return cli.Exit("Failed to open input: "+err.Error(), 1)
	}
	defer in.Close()

	storage, err := datalayer.NewMinioStorageFromEnv()
	if err != nil {
		return cli.Exit("Failed to create blob storage: "+err.Error(), 1)
	}
	if err := storage.EnsureBucket(c.Context); err != nil {
		return cli.Exit("Failed to ensure bucket: "+err.Error(), 1)
	}

	frames, err := opus.Encode(c.Context, in)
	if err != nil {
		return cli.Exit("Failed to start encoder: "+err.Error(), 1)
	}
	defer frames.Close()

	key := datalayer.AudioKey(c.String("clip"))
	if err := storage.Put(c.Context, key, frames, datalayer.PutOptions{
		Size:        -1,
		ContentType: "application/octet-stream",
	}); err != nil {
		return cli.Exit("Failed to upload clip: "+err.Error(), 1)
	}

	log.Printf("Uploaded %s", key)
	return nil
}

func enqueueAction(c *cli.Context) error {
	times, err := runTimes(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	jobs := make([]worker.PlayJob, 0, len(times))
	for _, at := range times {
		job, err := worker.NewPlayJob(&uuidGenerator, c.String("clip"), at)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		jobs = append(jobs, job)
	}

	rdb, cfg, err := redisFromEnv(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer rdb.Close()

	if err := worker.NewRedisJobHandler(rdb, cfg.Stream).HandleJobs(c.Context, jobs...); err != nil {
		return cli.Exit("Failed to enqueue jobs: "+err.Error(), 1)
	}
	for _, job := range jobs {
		log.Printf("Enqueued %s to play %s at %s", job.ID, job.Clip, job.RunAt.Format(time.RFC3339))
	}
	return nil
}

func cancelAction(c *cli.Context) error {
	rdb, cfg, err := redisFromEnv(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer rdb.Close()

	if err := worker.NewRedisCanceller(rdb, cfg.Stream+":cancelled").Cancel(c.Context, c.String("job")); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	log.Println("Job cancelled.")
	return nil
}

func discoverAction(c *cli.Context) error {
	session := udp.New()
	defer session.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	ep := udp.Endpoint{IP: c.String("ip"), Port: uint16(c.Uint("port"))}
	tr, err := session.Connect(ctx, ep, uint32(c.Uint("ssrc")))
	if err != nil {
		return cli.Exit("Discovery failed: "+err.Error(), 1)
	}
	fmt.Println(tr.External)
	return nil
}

func suitesAction(*cli.Context) error {
	registry, err := encryption.NewRegistry(encryption.StdBackend{})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, s := range registry.Supported() {
		fmt.Println(s)
	}
	return nil
}

func cronNextAction(c *cli.Context) error {
	times, err := schedule.NextRunTimes(c.String("expr"), c.Int("count"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, t := range times {
		fmt.Println(t.Format(time.RFC3339))
	}
	return nil
}

func main() {
	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env file: %v", err)
	}

	clipFlag := &cli.StringFlag{
		Name:     "clip",
		Usage:    "Name of the stored clip",
		Required: true,
	}

	app := &cli.App{
		Name:        "soundwire-cli",
		Description: "A development CLI for feeding and inspecting the voice daemon",
		Commands: []*cli.Command{
			{
				Name:   "encode",
				Usage:  "Transcode an audio file to Opus frames and upload it",
				Action: encodeAction,
				Flags: []cli.Flag{
					clipFlag,
					&cli.StringFlag{Name: "in", Usage: "Audio file to encode", Required: true},
				},
			},
			{
				Name:   "enqueue",
				Usage:  "Queue a clip for playback",
				Action: enqueueAction,
				Flags: []cli.Flag{
					clipFlag,
					&cli.StringFlag{Name: "at", Usage: "RFC 3339 start time"},
					&cli.DurationFlag{Name: "in", Usage: "Start after this long", Value: 5 * time.Second},
					&cli.StringFlag{Name: "cron", Usage: "Queue one job per upcoming cron run"},
					&cli.IntFlag{Name: "count", Usage: "Number of cron runs to queue", Value: 5},
				},
			},
			{
				Name:   "cancel",
				Usage:  "Cancel a queued job",
				Action: cancelAction,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "job", Usage: "Job ID", Required: true},
				},
			},
			{
				Name:   "discover",
				Usage:  "Run IP discovery against a voice server and print the external address",
				Action: discoverAction,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ip", Required: true},
					&cli.UintFlag{Name: "port", Required: true},
					&cli.UintFlag{Name: "ssrc", Value: 1},
					&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
				},
			},
			{
				Name:   "suites",
				Usage:  "List the cipher suites this machine supports, most preferred first",
				Action: suitesAction,
			},
			{
				Name:  "cron",
				Usage: "Cron helpers",
				Subcommands: []*cli.Command{
					{
						Name:   "next",
						Usage:  "Print the next run times of a cron expression",
						Action: cronNextAction,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "expr", Required: true},
							&cli.IntFlag{Name: "count", Value: 5},
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error running CLI: %v", err)
	}
}
