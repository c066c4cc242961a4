// Package admission decides whether an owner may submit another job.
package admission

import (
	"context"
	"sync"
	"time"
)

const DefaultSweepInterval = 5 * time.Minute

type Decision struct {
	Allowed bool
	// RetryAfter is how long until the oldest recorded attempt leaves the window.
	RetryAfter time.Duration
}

// Limiter is a per-identity rate limit on submission attempts.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

var _ Limiter = (*Window)(nil)

// Window is a process-local sliding-window limiter: at most max attempts per
// key within any span of size. Rejected attempts are not recorded.
type Window struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	max   int
	size  time.Duration
	sweep time.Duration
	now   func() time.Time

	done chan struct{}
	once sync.Once
}

func NewWindow(max int, size, sweep time.Duration) *Window {
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Window{
		hits:  make(map[string][]time.Time),
		max:   max,
		size:  size,
		sweep: sweep,
		now:   time.Now,
		done:  make(chan struct{}),
	}
}

func (w *Window) Allow(_ context.Context, key string) (Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	hits := prune(w.hits[key], now.Add(-w.size))
	if len(hits) >= w.max {
		w.hits[key] = hits
		return Decision{RetryAfter: hits[0].Add(w.size).Sub(now)}, nil
	}
	w.hits[key] = append(hits, now)
	return Decision{Allowed: true}, nil
}

// Sweep drops keys whose attempts have all left the window.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.size)
	for k, hits := range w.hits {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(w.hits, k)
		} else {
			w.hits[k] = hits
		}
	}
}

// Run sweeps periodically until ctx is done or Close is called.
func (w *Window) Run(ctx context.Context) error {
	t := time.NewTicker(w.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-t.C:
			w.Sweep()
		}
	}
}

func (w *Window) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

func (w *Window) keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// prune drops attempts at or before cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
