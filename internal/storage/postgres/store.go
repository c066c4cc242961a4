package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ storage.Store = (*Store)(nil)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Open connects to dsn and runs pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(db)
	defer sqlDB.Close()
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const jobColumns = `id, name, owner_id, status, retry_count, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into jobs(`+jobColumns+`) values ($1,$2,$3,$4,$5,$6,$7)`,
		id, j.Name, j.OwnerID, string(j.Status), j.RetryCount, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return wrap(err)
	}
	j.ID = id
	return nil
}

func (s *Store) FindJobByID(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return j, nil
}

func (s *Store) FindJobs(ctx context.Context, f storage.Filter) ([]*domain.Job, error) {
	where, args := whereClause(f)
	q := `select ` + jobColumns + ` from jobs` + where + ` order by created_at asc, id asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` limit $%d`, len(args))
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]*domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, j)
	}
	return out, wrap(rows.Err())
}

func (s *Store) UpdateJobByID(ctx context.Context, id string, p storage.Patch) (bool, error) {
	sets := []string{"updated_at = $2"}
	args := []any{id, p.UpdatedAt}
	if p.Status != nil {
		args = append(args, string(*p.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.RetryCount != nil {
		args = append(args, *p.RetryCount)
		sets = append(sets, fmt.Sprintf("retry_count = $%d", len(args)))
	}
	conds := []string{"id = $1"}
	if len(p.IfStatus) > 0 {
		args = append(args, storage.StatusStrings(p.IfStatus))
		conds = append(conds, fmt.Sprintf("status = any($%d)", len(args)))
	}
	if p.IfRetryCount != nil {
		args = append(args, *p.IfRetryCount)
		conds = append(conds, fmt.Sprintf("retry_count = $%d", len(args)))
	}

	tag, err := s.db.Exec(ctx,
		`update jobs set `+strings.Join(sets, ", ")+` where `+strings.Join(conds, " and "), args...)
	if err != nil {
		return false, wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Tell a missed precondition apart from a missing row.
	var exists bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from jobs where id = $1)`, id).Scan(&exists); err != nil {
		return false, wrap(err)
	}
	if !exists {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}

func (s *Store) CountJobs(ctx context.Context, f storage.Filter) (int64, error) {
	where, args := whereClause(f)
	var n int64
	if err := s.db.QueryRow(ctx, `select count(*) from jobs`+where, args...).Scan(&n); err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into users(id, username, email, password_hash, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6)`, id, u.Username, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrDuplicateUser
	}
	if err != nil {
		return wrap(err)
	}
	u.ID = id
	return nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx, `select id, username, email, password_hash, created_at, updated_at
from users where lower(email) = lower($1)`, email).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &u, nil
}

func (s *Store) Close(context.Context) error {
	s.db.Close()
	return nil
}

func whereClause(f storage.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, storage.StatusStrings(f.Statuses))
		conds = append(conds, fmt.Sprintf("status = any($%d)", len(args)))
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore)
		conds = append(conds, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var status string
	if err := row.Scan(&j.ID, &j.Name, &j.OwnerID, &status, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.Status(status)
	return &j, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: postgres: %v", domain.ErrStoreUnavailable, err)
}
