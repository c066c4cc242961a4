package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ Bus = (*FanOut)(nil)

const defaultResubscribe = 5 * time.Second

var errRelayClosed = errors.New("events: remote subscription closed")

// FanOut publishes every event to the local bus and to a shared remote
// topic, and replays remote events from other processes locally. Events
// carry the origin of the emitting process so it never sees its own twice.
type FanOut struct {
	local       Bus
	remote      Bus
	origin      string
	resubscribe time.Duration
	log         *zap.Logger
}

// NewFanOut returns a FanOut. remote may be nil for a single-process setup.
// resubscribe is the pause between attempts to reach the remote topic.
func NewFanOut(local, remote Bus, resubscribe time.Duration, log *zap.Logger) *FanOut {
	if resubscribe <= 0 {
		resubscribe = defaultResubscribe
	}
	return &FanOut{
		local:       local,
		remote:      remote,
		origin:      uuid.NewString(),
		resubscribe: resubscribe,
		log:         log.Named("events.fanout"),
	}
}

func (f *FanOut) Origin() string { return f.origin }

func (f *FanOut) Publish(ctx context.Context, e Event) error {
	if e.Origin == "" {
		e.Origin = f.origin
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := f.local.Publish(ctx, e); err != nil {
		f.log.Warn("local publish failed", zap.Error(err))
	}
	if f.remote == nil {
		return nil
	}
	return f.remote.Publish(ctx, e)
}

func (f *FanOut) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	return f.local.Subscribe(ctx)
}

// Run relays remote events onto the local bus until ctx is done. A failed
// or dropped subscription is retried every resubscribe interval.
func (f *FanOut) Run(ctx context.Context) error {
	if f.remote == nil {
		<-ctx.Done()
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(f.resubscribe), ctx)
	_ = backoff.RetryNotify(func() error {
		if err := f.relay(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errRelayClosed
	}, bo, func(err error, wait time.Duration) {
		f.log.Warn("remote events unavailable, relaying local only",
			zap.Error(err), zap.Duration("retry_in", wait))
	})
	return nil
}

// relay forwards one subscription until its channel closes.
func (f *FanOut) relay(ctx context.Context) error {
	ch, cancel, err := f.remote.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	f.log.Debug("relaying remote events")
	for e := range ch {
		if e.Origin == f.origin {
			continue
		}
		if err := f.local.Publish(ctx, e); err != nil {
			f.log.Warn("relay failed", zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	return nil
}
