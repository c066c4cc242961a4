package storage

import (
	"context"
	"time"

	"github.com/SirClappington/queuecraft/internal/domain"
)

// Store is the authoritative record of jobs and users.
type Store interface {
	// CreateJob persists job and sets its ID.
	CreateJob(ctx context.Context, job *domain.Job) error
	// FindJobByID returns domain.ErrJobNotFound when no such job exists.
	FindJobByID(ctx context.Context, id string) (*domain.Job, error)
	// FindJobs returns matching jobs ordered by creation time, oldest first.
	FindJobs(ctx context.Context, f Filter) ([]*domain.Job, error)
	// UpdateJobByID applies p atomically to a single job. It reports false,
	// without error, when the job exists but p's conditions did not match.
	UpdateJobByID(ctx context.Context, id string, p Patch) (bool, error)
	CountJobs(ctx context.Context, f Filter) (int64, error)

	CreateUser(ctx context.Context, u *domain.User) error
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)

	Close(ctx context.Context) error
}

type Filter struct {
	OwnerID       string
	Statuses      []domain.Status
	UpdatedBefore time.Time
	Limit         int
}

// Patch is a conditional partial update. Nil fields are left untouched and
// UpdatedAt is always refreshed.
type Patch struct {
	Status     *domain.Status
	RetryCount *int
	UpdatedAt  time.Time

	IfStatus     []domain.Status
	IfRetryCount *int
}

// Matches reports whether j satisfies f. Backends without a query language use it.
func (f Filter) Matches(j *domain.Job) bool {
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Applies reports whether j satisfies p's conditions.
func (p Patch) Applies(j *domain.Job) bool {
	if len(p.IfStatus) > 0 && !containsStatus(p.IfStatus, j.Status) {
		return false
	}
	if p.IfRetryCount != nil && j.RetryCount != *p.IfRetryCount {
		return false
	}
	return true
}

// Apply writes p's fields onto j.
func (p Patch) Apply(j *domain.Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.RetryCount != nil {
		j.RetryCount = *p.RetryCount
	}
	j.UpdatedAt = p.UpdatedAt
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func StatusStrings(list []domain.Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
