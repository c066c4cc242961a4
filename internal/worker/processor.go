package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/metrics"
	"github.com/SirClappington/queuecraft/internal/queue"
)

var _ queue.Handler = (*Processor)(nil)

// Processor leases, executes and completes a delivered job.
type Processor struct {
	machine *jobs.Machine
	exec    Executor
	timeout time.Duration
	metrics metrics.Recorder
	log     *zap.Logger
}

// NewProcessor returns a Processor. timeout <= 0 means executions are not bounded.
func NewProcessor(m *jobs.Machine, exec Executor, timeout time.Duration, rec metrics.Recorder, log *zap.Logger) *Processor {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Processor{machine: m, exec: exec, timeout: timeout, metrics: rec, log: log.Named("processor")}
}

func (p *Processor) Process(ctx context.Context, m queue.Message) error {
	j, err := p.machine.Lease(ctx, m.JobID, m.RetryCount, m.Redelivered)
	if err != nil {
		return err
	}
	p.metrics.Incr(ctx, metrics.JobsStarted)
	log := p.log.With(zap.String("job_id", j.ID), zap.String("owner_id", j.OwnerID), zap.Int("retry_count", j.RetryCount))
	log.Info("job started", zap.String("name", j.Name))

	start := time.Now()
	if err := p.execute(ctx, j, Attempt{Number: m.RetryCount + 1, RetryCount: m.RetryCount, Redelivered: m.Redelivered}); err != nil {
		log.Warn("job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return fmt.Errorf("%w: %v", domain.ErrExecutionFailed, err)
	}

	if _, err := p.machine.Complete(ctx, j.ID, m.RetryCount); err != nil {
		return err
	}
	p.metrics.Incr(ctx, metrics.JobsCompleted)
	log.Info("job completed", zap.Duration("took", time.Since(start)))
	return nil
}

func (p *Processor) execute(ctx context.Context, j *domain.Job, a Attempt) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.exec.Execute(ctx, j, a)
}

func (p *Processor) Retry(ctx context.Context, m queue.Message) error {
	if _, err := p.machine.Retry(ctx, m.JobID, m.RetryCount); err != nil {
		return err
	}
	p.metrics.Incr(ctx, metrics.JobsRetried)
	return nil
}

func (p *Processor) DeadLetter(ctx context.Context, m queue.Message, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if _, err := p.machine.DeadLetter(ctx, m.JobID, m.RetryCount, reason); err != nil {
		return err
	}
	p.metrics.Incr(ctx, metrics.JobsDeadLetter)
	return nil
}
