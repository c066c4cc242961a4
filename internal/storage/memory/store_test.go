package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/storage"
)

func newJob(t *testing.T, s *Store, owner, name string, created time.Time) *domain.Job {
	t.Helper()
	j, err := domain.NewJob(owner, name, created)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(context.Background(), j))
	require.NotEmpty(t, j.ID)
	return j
}

func TestConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	j := newJob(t, s, "u1", "a", time.Now())

	running := domain.Running
	zero := 0
	ok, err := s.UpdateJobByID(ctx, j.ID, storage.Patch{
		Status:       &running,
		UpdatedAt:    time.Now(),
		IfStatus:     []domain.Status{domain.Pending},
		IfRetryCount: &zero,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same precondition again no longer matches.
	ok, err = s.UpdateJobByID(ctx, j.ID, storage.Patch{
		Status:   &running,
		IfStatus: []domain.Status{domain.Pending},
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.FindJobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Running, got.Status)

	_, err = s.UpdateJobByID(ctx, "missing", storage.Patch{})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFindAndCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now().Add(-time.Hour)
	first := newJob(t, s, "u1", "a", base)
	newJob(t, s, "u1", "b", base.Add(time.Minute))
	newJob(t, s, "u2", "c", base.Add(2*time.Minute))

	done := domain.Completed
	_, err := s.UpdateJobByID(ctx, first.ID, storage.Patch{Status: &done, UpdatedAt: time.Now()})
	require.NoError(t, err)

	active := storage.Filter{OwnerID: "u1", Statuses: domain.ActiveStatuses}
	n, err := s.CountJobs(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.FindJobs(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "c", all[2].Name)

	stale, err := s.FindJobs(ctx, storage.Filter{UpdatedBefore: base.Add(90 * time.Second), Limit: 5})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "b", stale[0].Name)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	j := newJob(t, s, "u1", "a", time.Now())
	j.Status = domain.Completed

	got, err := s.FindJobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.Status)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, &domain.User{Email: "A@example.com", Username: "a"}))
	assert.ErrorIs(t, s.CreateUser(ctx, &domain.User{Email: "a@example.com"}), domain.ErrDuplicateUser)

	u, err := s.FindUserByEmail(ctx, "a@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, "a", u.Username)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
