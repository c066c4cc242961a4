package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

// Locker elects a single process to run a periodic pass.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context) error
}

var releaseLock = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock is a SET NX lock that only its holder can release.
type RedisLock struct {
	rdb   r.Cmdable
	key   string
	token string
}

func NewRedisLock(rdb r.Cmdable, key string) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, token: uuid.NewString()}
}

func (l *RedisLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
}

func (l *RedisLock) Unlock(ctx context.Context) error {
	return releaseLock.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
