package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher sends a message to the job queue.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Delayer republishes a message after a delay.
type Delayer interface {
	Schedule(ctx context.Context, m Message, delay time.Duration) error
	// Close releases pending work. What happens to undelivered messages
	// depends on the implementation.
	Close() error
}

var (
	_ Delayer = (*TimerDelayer)(nil)
	_ Delayer = (*RedisDelayer)(nil)
)

// TimerDelayer holds delayed messages in process timers. Close publishes
// whatever is still pending so no retry is lost on a clean shutdown.
type TimerDelayer struct {
	pub Publisher
	log *zap.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*time.Timer
	msgs    map[uint64]Message
	closed  bool
}

func NewTimerDelayer(pub Publisher, log *zap.Logger) *TimerDelayer {
	return &TimerDelayer{
		pub:     pub,
		log:     log.Named("delay.timer"),
		pending: make(map[uint64]*time.Timer),
		msgs:    make(map[uint64]Message),
	}
}

func (d *TimerDelayer) Schedule(ctx context.Context, m Message, delay time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return d.pub.Publish(ctx, m)
	}
	d.seq++
	id := d.seq
	d.msgs[id] = m
	d.pending[id] = time.AfterFunc(delay, func() { d.fire(id) })
	d.mu.Unlock()
	return nil
}

func (d *TimerDelayer) fire(id uint64) {
	d.mu.Lock()
	m, ok := d.msgs[id]
	delete(d.msgs, id)
	delete(d.pending, id)
	d.mu.Unlock()
	if ok {
		d.publish(m)
	}
}

func (d *TimerDelayer) publish(m Message) {
	if err := d.pub.Publish(context.Background(), m); err != nil {
		d.log.Error("delayed publish failed",
			zap.String("job_id", m.JobID), zap.Int("retry_count", m.RetryCount), zap.Error(err))
	}
}

// Len returns the number of messages waiting on a timer.
func (d *TimerDelayer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

func (d *TimerDelayer) Close() error {
	d.mu.Lock()
	d.closed = true
	var flush []Message
	for id, t := range d.pending {
		if t.Stop() {
			flush = append(flush, d.msgs[id])
		}
		delete(d.pending, id)
		delete(d.msgs, id)
	}
	d.mu.Unlock()
	for _, m := range flush {
		d.publish(m)
	}
	return nil
}

const (
	DefaultMoveInterval = time.Second
	moveBatch           = 200
)

// RedisDelayer keeps delayed messages in a sorted set scored by due time,
// so they survive a process restart. Run moves due members to the broker.
type RedisDelayer struct {
	rdb      r.Cmdable
	key      string
	pub      Publisher
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewRedisDelayer(rdb r.Cmdable, queue string, pub Publisher, log *zap.Logger) *RedisDelayer {
	return &RedisDelayer{
		rdb:      rdb,
		key:      "queuecraft:delay:" + queue,
		pub:      pub,
		interval: DefaultMoveInterval,
		log:      log.Named("delay.redis"),
		now:      time.Now,
	}
}

func (d *RedisDelayer) Schedule(ctx context.Context, m Message, delay time.Duration) error {
	member, err := json.Marshal(m)
	if err != nil {
		return err
	}
	due := d.now().Add(delay).UnixMilli()
	return d.rdb.ZAdd(ctx, d.key, r.Z{Score: float64(due), Member: member}).Err()
}

// MoveDue publishes every message whose due time has passed. Each member is
// claimed with ZREM first so concurrent movers never publish it twice, and
// put back if the publish fails.
func (d *RedisDelayer) MoveDue(ctx context.Context) (int, error) {
	now := d.now().UnixMilli()
	members, err := d.rdb.ZRangeByScore(ctx, d.key, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Count: moveBatch,
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	moved := 0
	for _, member := range members {
		claimed, err := d.rdb.ZRem(ctx, d.key, member).Result()
		if err != nil {
			return moved, err
		}
		if claimed == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			d.log.Warn("dropping undecodable delayed message", zap.Error(err))
			continue
		}
		if err := d.pub.Publish(ctx, m); err != nil {
			if rerr := d.rdb.ZAdd(ctx, d.key, r.Z{Score: float64(now), Member: member}).Err(); rerr != nil {
				d.log.Error("delayed message lost", zap.String("job_id", m.JobID), zap.Error(rerr))
			}
			return moved, fmt.Errorf("queue: move due: %w", err)
		}
		moved++
	}
	return moved, nil
}

func (d *RedisDelayer) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := d.MoveDue(ctx); err != nil {
				d.log.Warn("move due failed", zap.Error(err))
			} else if n > 0 {
				d.log.Debug("moved due messages", zap.Int("count", n))
			}
		}
	}
}

// Close is a no-op: pending messages stay in Redis for the next process.
func (d *RedisDelayer) Close() error { return nil }
