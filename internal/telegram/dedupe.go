package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UpdateDeduplicator remembers update ids in redis so a redelivered update
// is handled once.
type UpdateDeduplicator struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, prefix string, ttl time.Duration) *UpdateDeduplicator {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &UpdateDeduplicator{redis: rdb, prefix: prefix, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("%supdate:%d", d.prefix, updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
