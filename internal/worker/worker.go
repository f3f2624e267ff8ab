package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glizzus/soundwire/internal/generator"
	"github.com/redis/go-redis/v9"
)

// PlayJob asks a voice daemon to play one stored clip at RunAt.
type PlayJob struct {
	ID    string
	Clip  string
	RunAt time.Time
}

// NewPlayJob stamps a new job with an ID from gen.
func NewPlayJob(gen generator.Generator[string], clip string, runAt time.Time) (PlayJob, error) {
	if clip == "" {
		return PlayJob{}, errors.New("clip name is required")
	}
	id, err := gen.Next()
	if err != nil {
		return PlayJob{}, fmt.Errorf("failed to generate job id: %w", err)
	}
	return PlayJob{ID: id, Clip: clip, RunAt: runAt}, nil
}

func (j PlayJob) values() map[string]any {
	return map[string]any{
		"jobID": j.ID,
		"clip":  j.Clip,
		"runAt": j.RunAt.UTC().Format(time.RFC3339Nano),
	}
}

func playJobFromValues(values map[string]any) (PlayJob, error) {
	str := func(key string) (string, error) {
		v, ok := values[key].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("missing field %q", key)
		}
		return v, nil
	}

	var job PlayJob
	var err error
	if job.ID, err = str("jobID"); err != nil {
		return PlayJob{}, err
	}
	if job.Clip, err = str("clip"); err != nil {
		return PlayJob{}, err
	}
	runAt, err := str("runAt")
	if err != nil {
		return PlayJob{}, err
	}
	if job.RunAt, err = time.Parse(time.RFC3339Nano, runAt); err != nil {
		return PlayJob{}, fmt.Errorf("invalid runAt: %w", err)
	}
	return job, nil
}

type JobHandler interface {
	HandleJobs(ctx context.Context, jobs ...PlayJob) error
}

type PrintingJobHandler struct{}

func (h *PrintingJobHandler) HandleJobs(ctx context.Context, jobs ...PlayJob) error {
	for _, job := range jobs {
		slog.InfoContext(
			ctx,
			"Handling play job",
			slog.String("jobID", job.ID),
			slog.String("clip", job.Clip),
			slog.String("runAt", job.RunAt.Format("2006-01-02 15:04:05")),
		)
	}
	return nil
}

// RedisJobHandler publishes jobs onto a Redis stream.
type RedisJobHandler struct {
	client *redis.Client
	stream string
}

func NewRedisJobHandler(client *redis.Client, stream string) *RedisJobHandler {
	return &RedisJobHandler{client: client, stream: stream}
}

var _ JobHandler = (*RedisJobHandler)(nil)

func (h *RedisJobHandler) HandleJobs(ctx context.Context, jobs ...PlayJob) error {
	_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: h.stream,
				Values: job.values(),
			})
		}
		return nil
	})
	return err
}

// DefaultClaimIdle is how long an entry may sit unacknowledged before a
// receiver claims it for itself.
const DefaultClaimIdle = time.Minute

// RedisJobReceiver reads jobs from a stream as one consumer of a group.
// Entries it was handed before a restart are read again first, and entries
// left unacknowledged by any consumer for longer than its claim idle time
// are claimed and redelivered.
type RedisJobReceiver struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64

	// backlog is the next pending entry ID to re-read, or "" once this
	// consumer's history has been drained.
	backlog   string
	claimIdle time.Duration
	lastClaim time.Time
}

type ReceiverOption func(*RedisJobReceiver)

// WithClaimIdle sets how long an entry may stay pending before it is
// claimed. Zero disables claiming.
func WithClaimIdle(d time.Duration) ReceiverOption {
	return func(r *RedisJobReceiver) {
		r.claimIdle = d
	}
}

// WithBlock sets how long a read waits for new entries.
func WithBlock(d time.Duration) ReceiverOption {
	return func(r *RedisJobReceiver) {
		r.block = d
	}
}

// NewRedisJobReceiver creates the consumer group (and stream) if needed.
func NewRedisJobReceiver(ctx context.Context, client *redis.Client, stream, group, consumer string, opts ...ReceiverOption) (*RedisJobReceiver, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}

	r := &RedisJobReceiver{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     5 * time.Second,
		count:     16,
		backlog:   "0",
		claimIdle: DefaultClaimIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Delivery is a received job and the stream entry it came from.
type Delivery struct {
	MessageID string
	Job       PlayJob
}

// ReceiveJobs returns the next batch of entries, possibly nothing. It
// drains this consumer's own pending entries first, then claims idle
// entries, then blocks for up to the receiver's block time for new ones.
// Malformed entries are acknowledged and dropped.
func (r *RedisJobReceiver) ReceiveJobs(ctx context.Context) ([]Delivery, error) {
	if r.backlog != "" {
		msgs, err := r.read(ctx, r.backlog, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			r.backlog = msgs[len(msgs)-1].ID
			slog.InfoContext(ctx, "redelivering pending play jobs", slog.Int("count", len(msgs)))
			return r.deliver(ctx, msgs)
		}
		r.backlog = ""
	}

	if r.claimIdle > 0 && time.Since(r.lastClaim) >= r.claimIdle {
		r.lastClaim = time.Now()
		msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			Consumer: r.consumer,
			MinIdle:  r.claimIdle,
			Start:    "0-0",
			Count:    r.count,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim idle entries of %s: %w", r.stream, err)
		}
		if len(msgs) > 0 {
			slog.InfoContext(ctx, "claimed idle play jobs", slog.Int("count", len(msgs)))
			return r.deliver(ctx, msgs)
		}
	}

	msgs, err := r.read(ctx, ">", r.block)
	if err != nil {
		return nil, err
	}
	return r.deliver(ctx, msgs)
}

// read calls XREADGROUP from id. A negative block returns at once.
func (r *RedisJobReceiver) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, id},
		Count:    r.count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", r.stream, err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (r *RedisJobReceiver) deliver(ctx context.Context, msgs []redis.XMessage) ([]Delivery, error) {
	var deliveries []Delivery
	var poison []string
	for _, msg := range msgs {
		job, err := playJobFromValues(msg.Values)
		if err != nil {
			slog.WarnContext(ctx, "dropping malformed play job",
				slog.String("messageID", msg.ID),
				slog.Any("error", err),
			)
			poison = append(poison, msg.ID)
			continue
		}
		deliveries = append(deliveries, Delivery{MessageID: msg.ID, Job: job})
	}
	if len(poison) > 0 {
		if err := r.Ack(ctx, poison...); err != nil {
			return deliveries, err
		}
	}
	return deliveries, nil
}

// Ack marks entries as processed by this group.
func (r *RedisJobReceiver) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.stream, r.group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d entries: %w", len(ids), err)
	}
	return nil
}

// Receiver is the consuming side of a job stream.
type Receiver interface {
	ReceiveJobs(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, ids ...string) error
}

var _ Receiver = (*RedisJobReceiver)(nil)

// Consume hands received jobs to handler until ctx ends. Entries are only
// acknowledged once the handler accepted them. Anything left pending is
// picked up again by a RedisJobReceiver, from its backlog after a restart
// or by claiming it once idle.
func Consume(ctx context.Context, receiver Receiver, handler JobHandler) error {
	for {
		deliveries, err := receiver.ReceiveJobs(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(deliveries) == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		jobs := make([]PlayJob, len(deliveries))
		ids := make([]string, len(deliveries))
		for i, d := range deliveries {
			jobs[i] = d.Job
			ids[i] = d.MessageID
		}
		if err := handler.HandleJobs(ctx, jobs...); err != nil {
			slog.ErrorContext(ctx, "failed to handle play jobs",
				slog.Int("count", len(jobs)),
				slog.Any("error", err),
			)
			continue
		}
		if err := receiver.Ack(ctx, ids...); err != nil {
			return err
		}
	}
}
