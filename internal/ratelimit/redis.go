package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mandachat/internal/clock"
)

// reserveSlotScript returns 0 and records ARGV[1] when the key is free, or
// the milliseconds left until it is.
var reserveSlotScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local last = redis.call("GET", KEYS[1])
if last then
  local remaining = tonumber(last) + interval - now
  if remaining > 0 then
    return remaining
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", interval)
return 0
`)

// RedisPacer shares pacing state between processes using one key per model.
type RedisPacer struct {
	redis  *redis.Client
	prefix string
	clock  clock.Clock
}

func NewRedisPacer(rdb *redis.Client, prefix string, c clock.Clock) *RedisPacer {
	if c == nil {
		c = clock.Real{}
	}
	return &RedisPacer{redis: rdb, prefix: prefix, clock: c}
}

func (p *RedisPacer) Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	redisKey := fmt.Sprintf("%space:%s", p.prefix, key)
	intervalMS := interval.Milliseconds()
	if intervalMS < 1 {
		intervalMS = 1
	}

	var waited time.Duration
	for {
		now := p.clock.Now().UnixMilli()
		remaining, err := reserveSlotScript.Run(ctx, p.redis, []string{redisKey}, now, intervalMS).Int64()
		if err != nil {
			return waited, fmt.Errorf("pace script: %w", err)
		}
		if remaining <= 0 {
			return waited, nil
		}
		d := time.Duration(remaining) * time.Millisecond
		if err := p.clock.Sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
	}
}
