package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/events"
	"github.com/SirClappington/queuecraft/internal/storage"
)

// casAttempts bounds the re-reads after a conditional write lost a race.
const casAttempts = 3

// Machine moves jobs through their lifecycle on behalf of workers. Each
// transition is guarded by the job's current status and by the attempt
// number carried in the queue message, so a duplicate or outdated delivery
// is reported as domain.ErrStaleDelivery instead of being applied twice.
type Machine struct {
	repo   *Repository
	events events.Publisher
	log    *zap.Logger
	now    func() time.Time
}

func NewMachine(repo *Repository, pub events.Publisher, log *zap.Logger) *Machine {
	return &Machine{repo: repo, events: pub, log: log.Named("machine"), now: func() time.Time { return time.Now().UTC() }}
}

// Lease marks the job running for attempt. A redelivered message may
// re-lease a job that is already running at the same attempt.
func (m *Machine) Lease(ctx context.Context, id string, attempt int, redelivered bool) (*domain.Job, error) {
	return m.transition(ctx, id, attempt, domain.Running, redelivered, "")
}

func (m *Machine) Complete(ctx context.Context, id string, attempt int) (*domain.Job, error) {
	return m.transition(ctx, id, attempt, domain.Completed, false, "")
}

// Retry returns the job to pending with retryCount incremented.
func (m *Machine) Retry(ctx context.Context, id string, attempt int) (*domain.Job, error) {
	return m.transition(ctx, id, attempt, domain.Pending, false, "")
}

func (m *Machine) DeadLetter(ctx context.Context, id string, attempt int, reason string) (*domain.Job, error) {
	return m.transition(ctx, id, attempt, domain.DeadLettered, false, reason)
}

// Touch refreshes updatedAt of a pending job without changing its state.
// It reports false when the job is no longer pending at retryCount.
func (m *Machine) Touch(ctx context.Context, j *domain.Job) (bool, error) {
	return m.repo.Update(ctx, j, storage.Patch{
		UpdatedAt:    m.now(),
		IfStatus:     []domain.Status{domain.Pending},
		IfRetryCount: &j.RetryCount,
	})
}

func (m *Machine) transition(ctx context.Context, id string, attempt int, to domain.Status, redelivered bool, reason string) (*domain.Job, error) {
	for i := 0; i < casAttempts; i++ {
		cur, err := m.repo.Store().FindJobByID(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: job %s not found", domain.ErrStaleDelivery, id)
		}
		if err != nil {
			return nil, err
		}
		if cur.RetryCount != attempt || !domain.CanTransition(cur.Status, to, redelivered) {
			return nil, fmt.Errorf("%w: job %s is %s at attempt %d, message is attempt %d",
				domain.ErrStaleDelivery, id, cur.Status, cur.RetryCount, attempt)
		}

		retries := cur.RetryCount
		if to == domain.Pending {
			retries++
		}
		p := storage.Patch{
			Status:       &to,
			RetryCount:   &retries,
			UpdatedAt:    m.now(),
			IfStatus:     []domain.Status{cur.Status},
			IfRetryCount: &cur.RetryCount,
		}
		ok, err := m.repo.Update(ctx, cur, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		next := cur.Clone()
		p.Apply(next)
		m.log.Debug("job transitioned",
			zap.String("job_id", id),
			zap.String("owner_id", next.OwnerID),
			zap.String("from", string(cur.Status)),
			zap.String("status", string(to)),
			zap.Int("retry_count", next.RetryCount))
		m.emit(ctx, next, cur.Status, reason)
		return next, nil
	}
	return nil, fmt.Errorf("%w: job %s changed concurrently", domain.ErrStaleDelivery, id)
}

func (m *Machine) emit(ctx context.Context, j *domain.Job, old domain.Status, reason string) {
	evs := []events.Event{events.New(events.JobStatusUpdated, j, old)}
	switch j.Status {
	case domain.Completed:
		evs = append(evs, events.New(events.JobCompleted, j, old))
	case domain.DeadLettered:
		e := events.New(events.JobDeadLettered, j, old)
		e.Reason = reason
		evs = append(evs, e)
	}
	for _, e := range evs {
		if err := m.events.Publish(ctx, e); err != nil {
			m.log.Warn("publish event failed", zap.String("type", string(e.Type)), zap.String("job_id", j.ID), zap.Error(err))
		}
	}
}
