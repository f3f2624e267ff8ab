package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Canceller records jobs that must not play even if they were already
// delivered.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

type RedisCanceller struct {
	client *redis.Client
	key    string
}

func NewRedisCanceller(client *redis.Client, key string) *RedisCanceller {
	return &RedisCanceller{client: client, key: key}
}

var _ Canceller = (*RedisCanceller)(nil)

func (c *RedisCanceller) Cancel(ctx context.Context, jobID string) error {
	if err := c.client.SAdd(ctx, c.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	return nil
}

func (c *RedisCanceller) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, c.key, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation of job %s: %w", jobID, err)
	}
	return ok, nil
}

type MemoryCanceller struct {
	mu        sync.Mutex
	cancelled map[string]struct{}
}

func NewMemoryCanceller() *MemoryCanceller {
	return &MemoryCanceller{
		cancelled: make(map[string]struct{}),
	}
}

var _ Canceller = (*MemoryCanceller)(nil)

func (c *MemoryCanceller) Cancel(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[jobID] = struct{}{}
	return nil
}

func (c *MemoryCanceller) IsCancelled(_ context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancelled[jobID]
	return ok, nil
}
