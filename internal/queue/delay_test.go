package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTimerDelayerFires(t *testing.T) {
	pub := &fakePub{}
	d := NewTimerDelayer(pub, zaptest.NewLogger(t))
	require.NoError(t, d.Schedule(context.Background(), Message{JobID: "j1", RetryCount: 1}, time.Millisecond))

	assert.Eventually(t, func() bool { return len(pub.sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, d.Len())
}

func TestTimerDelayerFlushesOnClose(t *testing.T) {
	pub := &fakePub{}
	d := NewTimerDelayer(pub, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, d.Schedule(ctx, Message{JobID: "j1"}, time.Hour))
	require.NoError(t, d.Schedule(ctx, Message{JobID: "j2"}, time.Hour))
	assert.Equal(t, 2, d.Len())

	require.NoError(t, d.Close())
	assert.Len(t, pub.sent(), 2)

	// After close, scheduling publishes immediately.
	require.NoError(t, d.Schedule(ctx, Message{JobID: "j3"}, time.Hour))
	assert.Len(t, pub.sent(), 3)
}

func newRedisDelayer(t *testing.T, pub Publisher) (*RedisDelayer, *miniredis.Miniredis, *time.Time) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Unix(1_700_000_000, 0)
	d := NewRedisDelayer(rdb, "job-queue", pub, zaptest.NewLogger(t))
	d.now = func() time.Time { return now }
	return d, mr, &now
}

func TestRedisDelayerMovesDue(t *testing.T) {
	ctx := context.Background()
	pub := &fakePub{}
	d, mr, now := newRedisDelayer(t, pub)

	require.NoError(t, d.Schedule(ctx, Message{JobID: "soon", RetryCount: 1}, 5*time.Second))
	require.NoError(t, d.Schedule(ctx, Message{JobID: "later", RetryCount: 2}, 20*time.Second))
	members, err := mr.ZMembers("queuecraft:delay:job-queue")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	n, err := d.MoveDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(10 * time.Second)
	n, err = d.MoveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.sent(), 1)
	assert.Equal(t, "soon", pub.sent()[0].JobID)
	assert.Equal(t, 1, pub.sent()[0].RetryCount)

	*now = now.Add(time.Minute)
	n, err = d.MoveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("queuecraft:delay:job-queue"))
}

func TestRedisDelayerKeepsMessageWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	pub := &fakePub{err: errors.New("broker down")}
	d, mr, now := newRedisDelayer(t, pub)

	require.NoError(t, d.Schedule(ctx, Message{JobID: "j1"}, time.Second))
	*now = now.Add(2 * time.Second)
	_, err := d.MoveDue(ctx)
	assert.Error(t, err)

	members, err := mr.ZMembers("queuecraft:delay:job-queue")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	n, err := d.MoveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
