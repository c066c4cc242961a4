package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/queue"
	"github.com/SirClappington/queuecraft/internal/storage"
)

const reconcileBatch = 500

// Reconciler republishes jobs that have sat pending for longer than After,
// typically because the broker was down when they were submitted.
type Reconciler struct {
	repo     *jobs.Repository
	machine  *jobs.Machine
	pub      queue.Publisher
	lock     Locker // optional
	after    time.Duration
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciler(repo *jobs.Repository, m *jobs.Machine, pub queue.Publisher, lock Locker, after, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		repo: repo, machine: m, pub: pub, lock: lock,
		after: after, interval: interval,
		log: log.Named("reconciler"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles every interval until ctx is done. It returns at once when
// the reconciler is disabled.
func (rc *Reconciler) Run(ctx context.Context) error {
	if rc.after <= 0 {
		return nil
	}
	t := time.NewTicker(rc.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := rc.RunOnce(ctx); err != nil {
				rc.log.Warn("reconcile failed", zap.Error(err))
			} else if n > 0 {
				rc.log.Info("republished stale pending jobs", zap.Int("count", n))
			}
		}
	}
}

// RunOnce republishes up to one batch of stale pending jobs, oldest first.
func (rc *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if rc.lock != nil {
		ok, err := rc.lock.TryLock(ctx, rc.interval)
		if err != nil || !ok {
			return 0, err
		}
		defer func() {
			if err := rc.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				rc.log.Debug("unlock failed", zap.Error(err))
			}
		}()
	}

	stale, err := rc.repo.Store().FindJobs(ctx, storage.Filter{
		Statuses:      []domain.Status{domain.Pending},
		UpdatedBefore: rc.now().Add(-rc.after),
		Limit:         reconcileBatch,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, j := range stale {
		ok, err := rc.machine.Touch(ctx, j)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := rc.pub.Publish(ctx, queue.MessageFor(j)); err != nil {
			return n, err
		}
		rc.log.Debug("republished", zap.String("job_id", j.ID), zap.Int("retry_count", j.RetryCount))
		n++
	}
	return n, nil
}
