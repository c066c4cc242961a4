package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 100

var _ Bus = (*Local)(nil)

// Local fans events out to in-process subscribers. A subscriber whose
// buffer is full misses the event.
type Local struct {
	log  *zap.Logger
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewLocal(log *zap.Logger) *Local {
	return &Local{log: log.Named("events.local"), subs: make(map[chan Event]struct{})}
}

func (b *Local) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("subscriber full, dropping event",
				zap.String("type", string(e.Type)), zap.String("job_id", e.JobID))
		}
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (b *Local) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
