// Package jobs holds the job lifecycle: the cache-aside repository, the
// state machine driven by workers, and the submission service.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/cache"
	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/storage"
)

const (
	DefaultCacheTTL       = 300 * time.Second
	DefaultCacheOpTimeout = 250 * time.Millisecond
)

// Repository puts a cache-aside layer in front of the store. Reads fill the
// cache; writes go to the store first and then delete every affected entry.
// Cache failures never fail a call.
type Repository struct {
	store     storage.Store
	cache     cache.Cache
	ttl       time.Duration
	opTimeout time.Duration
	log       *zap.Logger
}

func NewRepository(store storage.Store, c cache.Cache, log *zap.Logger, ttl, opTimeout time.Duration) *Repository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if opTimeout <= 0 {
		opTimeout = DefaultCacheOpTimeout
	}
	return &Repository{store: store, cache: c, ttl: ttl, opTimeout: opTimeout, log: log.Named("repository")}
}

// Store exposes the backing store for callers that must bypass the cache.
func (r *Repository) Store() storage.Store { return r.store }

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	key := cache.JobKey(id)
	var j domain.Job
	if r.load(ctx, key, &j) {
		return &j, nil
	}
	got, err := r.store.FindJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.save(ctx, key, got)
	return got, nil
}

// List returns jobs for ownerID, or for every owner when ownerID is empty.
func (r *Repository) List(ctx context.Context, ownerID string, statuses []domain.Status) ([]*domain.Job, error) {
	key := cache.ListKey(ownerID, "status="+strings.Join(storage.StatusStrings(statuses), ","))
	var list []*domain.Job
	if r.load(ctx, key, &list) {
		return list, nil
	}
	list, err := r.store.FindJobs(ctx, storage.Filter{OwnerID: ownerID, Statuses: statuses})
	if err != nil {
		return nil, err
	}
	r.save(ctx, key, list)
	return list, nil
}

// CountActive counts pending and running jobs. A count read while the owner's
// jobs are being invalidated is cached under the retired generation, so it is
// never served.
func (r *Repository) CountActive(ctx context.Context, ownerID string) (int64, error) {
	gen, _ := r.get(ctx, cache.ActiveGenKey(ownerID))
	key := cache.ActiveCountKey(ownerID, string(gen))
	if b, ok := r.get(ctx, key); ok {
		if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return n, nil
		}
	}
	n, err := r.store.CountJobs(ctx, storage.Filter{OwnerID: ownerID, Statuses: domain.ActiveStatuses})
	if err != nil {
		return 0, err
	}
	r.set(ctx, key, []byte(strconv.FormatInt(n, 10)))
	return n, nil
}

func (r *Repository) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	key := cache.UserEmailKey(email)
	var u domain.User
	if r.load(ctx, key, &u) {
		return &u, nil
	}
	got, err := r.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	r.save(ctx, key, got)
	return got, nil
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	if err := r.store.CreateJob(ctx, j); err != nil {
		return err
	}
	r.Invalidate(ctx, j)
	return nil
}

// Update applies p to j's record. j supplies the id and owner used for invalidation.
func (r *Repository) Update(ctx context.Context, j *domain.Job, p storage.Patch) (bool, error) {
	ok, err := r.store.UpdateJobByID(ctx, j.ID, p)
	if err != nil || !ok {
		return ok, err
	}
	r.Invalidate(ctx, j)
	return true, nil
}

func (r *Repository) CreateUser(ctx context.Context, u *domain.User) error {
	if err := r.store.CreateUser(ctx, u); err != nil {
		return err
	}
	r.del(ctx, cache.UserEmailKey(u.Email))
	return nil
}

// Invalidate drops every cache entry that can contain j.
func (r *Repository) Invalidate(ctx context.Context, j *domain.Job) {
	r.del(ctx, cache.JobKey(j.ID))
	// The generation outlives every count written under an earlier one.
	r.setFor(ctx, cache.ActiveGenKey(j.OwnerID), []byte(uuid.NewString()), 2*r.ttl)
	for _, pattern := range []string{cache.ListPattern(j.OwnerID), cache.ListPattern("")} {
		ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
		if _, err := r.cache.DeleteByPattern(ctx, pattern); err != nil {
			r.log.Debug("cache invalidate failed", zap.String("pattern", pattern), zap.Error(err))
		}
		cancel()
	}
}

func (r *Repository) load(ctx context.Context, key string, v any) bool {
	b, ok := r.get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		r.log.Debug("cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (r *Repository) save(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.set(ctx, key, b)
}

func (r *Repository) get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	b, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.log.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

func (r *Repository) set(ctx context.Context, key string, b []byte) {
	r.setFor(ctx, key, b, r.ttl)
}

func (r *Repository) setFor(ctx context.Context, key string, b []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.cache.Set(ctx, key, b, ttl); err != nil {
		r.log.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Repository) del(ctx context.Context, keys ...string) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.log.Debug("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
