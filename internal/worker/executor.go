// Package worker executes leased jobs and repairs jobs the broker never saw.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SirClappington/queuecraft/internal/domain"
)

type Attempt struct {
	// Number is 1 for the first execution.
	Number      int
	RetryCount  int
	Redelivered bool
}

// Executor runs a job. A nil error is success; any error is a failure that
// the retry policy handles.
type Executor interface {
	Execute(ctx context.Context, j *domain.Job, a Attempt) error
}

type ExecutorFunc func(ctx context.Context, j *domain.Job, a Attempt) error

func (f ExecutorFunc) Execute(ctx context.Context, j *domain.Job, a Attempt) error { return f(ctx, j, a) }

// DemoExecutor simulates work. Jobs whose name contains FailSubstring
// always fail, and every FailEvery-th execution fails when FailEvery > 0.
type DemoExecutor struct {
	FailSubstring string
	FailEvery     int
	Duration      time.Duration

	runs atomic.Int64
}

func (e *DemoExecutor) Execute(ctx context.Context, j *domain.Job, a Attempt) error {
	if e.Duration > 0 {
		t := time.NewTimer(e.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	n := e.runs.Add(1)
	if e.FailSubstring != "" && strings.Contains(j.Name, e.FailSubstring) {
		return fmt.Errorf("job name contains %q", e.FailSubstring)
	}
	if e.FailEvery > 0 && n%int64(e.FailEvery) == 0 {
		return fmt.Errorf("simulated failure on execution %d", n)
	}
	return nil
}
