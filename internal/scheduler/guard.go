package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SendGuard marks a (lead, tier) pair before its follow-up is sent, so a
// process that crashed between send and counter increment does not resend
// the same tier on restart.
type SendGuard interface {
	// Acquire returns false when the marker already exists, meaning the
	// tier was already sent by an earlier attempt.
	Acquire(ctx context.Context, leadID int64, tier int) (bool, error)
	// Release removes the marker after a failed send so the tier can be
	// retried on a later cycle.
	Release(ctx context.Context, leadID int64, tier int) error
}

// NoopGuard keeps the documented at-least-once behavior: every eligible
// tier is sent, duplicates are possible only across a crash boundary.
type NoopGuard struct{}

func (NoopGuard) Acquire(ctx context.Context, leadID int64, tier int) (bool, error) {
	return true, nil
}

func (NoopGuard) Release(ctx context.Context, leadID int64, tier int) error {
	return nil
}

type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func guardKey(leadID int64, tier int) string {
	return fmt.Sprintf("followup:sent:%d:%d", leadID, tier)
}

func (g *RedisGuard) Acquire(ctx context.Context, leadID int64, tier int) (bool, error) {
	ok, err := g.client.SetNX(ctx, guardKey(leadID, tier), uuid.New().String(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring send marker: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, leadID int64, tier int) error {
	if err := g.client.Del(ctx, guardKey(leadID, tier)).Err(); err != nil {
		return fmt.Errorf("releasing send marker: %w", err)
	}
	return nil
}
