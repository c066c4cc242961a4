package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/SirClappington/queuecraft/internal/admission"
	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/events"
	"github.com/SirClappington/queuecraft/internal/metrics"
)

// Enqueuer hands a freshly stored job to the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *domain.Job) error
}

type CreateRequest struct {
	Name string `json:"name"`
}

type ListFilter struct {
	Status domain.Status
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Service is the submission side of the job lifecycle.
type Service struct {
	Repo    *Repository
	Limiter admission.Limiter // optional
	Cap     *admission.Cap    // optional
	Queue   Enqueuer
	Events  events.Publisher
	Metrics metrics.Recorder // optional
	Log     *zap.Logger
}

// CreateJob admits, stores and enqueues a job. Errors are *domain.Error.
// A job stored but not enqueued stays pending and is picked up by the reconciler.
func (s *Service) CreateJob(ctx context.Context, ownerID string, req CreateRequest) (*domain.Job, error) {
	log := s.Log.With(zap.String("owner_id", ownerID))

	if s.Limiter != nil {
		d, err := s.Limiter.Allow(ctx, ownerID)
		switch {
		case err != nil:
			log.Warn("rate limiter unavailable, admitting", zap.Error(err))
		case !d.Allowed:
			s.incr(ctx, metrics.RateLimitHits)
			s.incr(ctx, metrics.JobsRejected)
			return nil, domain.RateLimitedError(
				fmt.Sprintf("Too many job creation attempts. Try again in %d seconds.", domain.RetryAfterSeconds(d.RetryAfter)),
				d.RetryAfter)
		}
	}

	j, err := domain.NewJob(ownerID, req.Name, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if s.Cap != nil {
		if err := s.Cap.Check(ctx, ownerID); err != nil {
			if domain.KindOf(err) == domain.RateLimited {
				s.incr(ctx, metrics.JobsRejected)
			}
			return nil, err
		}
	}

	if err := s.Repo.Create(ctx, j); err != nil {
		return nil, domain.InternalError("create job", err)
	}
	s.incr(ctx, metrics.JobsSubmitted)
	log = log.With(zap.String("job_id", j.ID))

	if err := s.Events.Publish(ctx, events.New(events.JobCreated, j, "")); err != nil {
		log.Warn("publish job:created failed", zap.Error(err))
	}
	if err := s.Queue.Enqueue(ctx, j); err != nil {
		log.Error("enqueue failed, job left pending", zap.Error(err))
	} else {
		log.Info("job submitted", zap.String("name", j.Name))
	}
	return j, nil
}

// ListJobs lists ownerID's jobs, or all jobs when ownerID is empty.
func (s *Service) ListJobs(ctx context.Context, ownerID string, f ListFilter) ([]*domain.Job, error) {
	var statuses []domain.Status
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, domain.ValidationError(fmt.Sprintf("unknown status %q", f.Status))
		}
		statuses = []domain.Status{f.Status}
	}
	list, err := s.Repo.List(ctx, ownerID, statuses)
	if err != nil {
		return nil, domain.InternalError("list jobs", err)
	}
	return list, nil
}

// GetJob returns domain.ErrJobNotFound for jobs owned by someone else.
func (s *Service) GetJob(ctx context.Context, ownerID, id string) (*domain.Job, error) {
	j, err := s.Repo.Get(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.InternalError("get job", err)
	}
	if ownerID != "" && j.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (s *Service) RegisterUser(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	email := strings.TrimSpace(req.Email)
	switch {
	case email == "" || !strings.Contains(email, "@"):
		return nil, domain.ValidationError("a valid email is required")
	case len(req.Password) < 8:
		return nil, domain.ValidationError("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, domain.InternalError("hash password", err)
	}
	now := time.Now().UTC()
	u := &domain.User{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.ToLower(email),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, domain.ErrDuplicateUser) {
			return nil, domain.ValidationError("email already registered")
		}
		return nil, domain.InternalError("create user", err)
	}
	return u, nil
}

// Authenticate returns domain.ErrUserNotFound for unknown emails and bad passwords alike.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	u, err := s.Repo.UserByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.InternalError("find user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *Service) incr(ctx context.Context, name string) {
	if s.Metrics != nil {
		s.Metrics.Incr(ctx, name)
	}
}
