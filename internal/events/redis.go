package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Bus = (*Redis)(nil)

// Redis is a cross-process Bus over a Redis pub/sub channel.
type Redis struct {
	rdb     r.UniversalClient
	channel string
	log     *zap.Logger
}

func NewRedis(rdb r.UniversalClient, channel string, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, channel: channel, log: log.Named("events.redis")}
}

func (b *Redis) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("events: subscribe %s: %w", b.channel, err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					b.log.Warn("dropping undecodable event", zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
