// Package metrics keeps rolling job counters in Redis and exports them to Prometheus.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	JobsSubmitted  = "jobs_submitted"
	JobsRejected   = "jobs_rejected"
	RateLimitHits  = "rate_limit_hits"
	JobsStarted    = "jobs_started"
	JobsCompleted  = "jobs_completed"
	JobsRetried    = "jobs_retried"
	JobsDeadLetter = "jobs_dlq"

	keyPrefix = "queuecraft:metrics:"
	ttl       = 24 * time.Hour
)

var Names = []string{JobsSubmitted, JobsRejected, RateLimitHits, JobsStarted, JobsCompleted, JobsRetried, JobsDeadLetter}

type Recorder interface {
	Incr(ctx context.Context, name string)
}

// Nop discards every increment.
type Nop struct{}

func (Nop) Incr(context.Context, string) {}

type Counters struct {
	rdb r.Cmdable
	log *zap.Logger
}

func New(rdb r.Cmdable, log *zap.Logger) *Counters {
	return &Counters{rdb: rdb, log: log.Named("metrics")}
}

// Incr bumps name and refreshes its TTL. Failures are logged and dropped.
func (c *Counters) Incr(ctx context.Context, name string) {
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, keyPrefix+name)
	pipe.Expire(ctx, keyPrefix+name, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("incr failed", zap.String("name", name), zap.Error(err))
	}
}

// Snapshot returns every known counter. Missing counters read as zero.
func (c *Counters) Snapshot(ctx context.Context) (map[string]int64, error) {
	vals, err := c.rdb.MGet(ctx, keys()...).Result()
	if err != nil && !errors.Is(err, r.Nil) {
		return nil, err
	}
	out := make(map[string]int64, len(Names))
	for i, n := range Names {
		out[n] = 0
		if i < len(vals) {
			if s, ok := vals[i].(string); ok {
				out[n], _ = strconv.ParseInt(s, 10, 64)
			}
		}
	}
	return out, nil
}

// Reset deletes every counter.
func (c *Counters) Reset(ctx context.Context) error {
	return c.rdb.Del(ctx, keys()...).Err()
}

func keys() []string {
	out := make([]string, len(Names))
	for i, n := range Names {
		out[i] = keyPrefix + n
	}
	return out
}
