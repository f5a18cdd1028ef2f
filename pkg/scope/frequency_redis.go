package scope

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// slidingWindowScript counts actions in the trailing window atomically.
// KEYS[1] = window key (e.g. "freq:user:trade")
// ARGV[1] = window length in milliseconds
// ARGV[2] = max actions per window
// ARGV[3] = current unix time in milliseconds
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)

if count >= max then
    return 0
end

redis.call("ZADD", key, now, now .. "-" .. count)
redis.call("PEXPIRE", key, window)
return 1
`)

// RedisChecker is a sliding-window frequency limiter shared across engine
// instances.
type RedisChecker struct {
	client    *redis.Client
	window    time.Duration
	maxPerWin int
	clock     func() time.Time
}

// NewRedisChecker allows maxPerWindow actions per user and permission type
// within the trailing window.
func NewRedisChecker(client *redis.Client, window time.Duration, maxPerWindow int) *RedisChecker {
	return &RedisChecker{client: client, window: window, maxPerWin: maxPerWindow, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *RedisChecker) WithClock(clock func() time.Time) *RedisChecker {
	c.clock = clock
	return c
}

func (c *RedisChecker) Allow(ctx context.Context, userID string, permType contracts.PermissionType) (bool, string, error) {
	key := fmt.Sprintf("freq:%s:%s", userID, permType)
	now := c.clock().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, c.client, []string{key},
		c.window.Milliseconds(), c.maxPerWin, now).Int()
	if err != nil {
		return false, "", fmt.Errorf("redis frequency check: %w", err)
	}
	if res == 1 {
		return true, "", nil
	}
	return false, fmt.Sprintf("action frequency limit reached for %s (%d per %s)", permType, c.maxPerWin, c.window), nil
}
