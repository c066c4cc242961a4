package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisWindow)(nil)

// slidingWindow keeps one sorted set of attempt times (ms) per key.
// Returns {allowed, retryAfterMs}.
var slidingWindow = r.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - size)
if redis.call('ZCARD', key) >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2]) + size - now}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, size)
return {1, 0}
`)

// RedisWindow is the sliding window shared by every process using the same Redis.
type RedisWindow struct {
	rdb  r.Scripter
	max  int
	size time.Duration
	now  func() time.Time
}

func NewRedisWindow(rdb r.Scripter, max int, size time.Duration) *RedisWindow {
	return &RedisWindow{rdb: rdb, max: max, size: size, now: time.Now}
}

func (w *RedisWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := w.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, w.rdb, []string{"queuecraft:ratelimit:" + key},
		now, w.size.Milliseconds(), w.max, fmt.Sprintf("%d-%s", now, uuid.NewString())).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("admission: redis window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("admission: redis window: unexpected reply %v", res)
	}
	return Decision{Allowed: res[0] == 1, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
