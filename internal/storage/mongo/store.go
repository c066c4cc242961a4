// Package mongo implements storage.Store on MongoDB, the default document
// store for queuecraft.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/storage"
)

const (
	colJobs  = "jobs"
	colUsers = "users"

	connectTimeout = 30 * time.Second
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	client *mongod.Client
	jobs   *mongod.Collection
	users  *mongod.Collection
}

// Open connects to uri. The database name is taken from the URI path.
func Open(ctx context.Context, uri string) (*Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("mongo: parse uri: %w", err)
	}
	dbname := strings.TrimPrefix(u.Path, "/")
	if dbname == "" {
		return nil, errors.New("mongo: database missing in URI")
	}

	client, err := mongod.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(dbname)
	s := &Store{client: client, jobs: db.Collection(colJobs), users: db.Collection(colUsers)}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Migrate creates the indexes used by admission counting, listing and the reconciler.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: migrate jobs indexes: %w", err)
	}
	_, err = s.users.Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo: migrate users indexes: %w", err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	m := toJobModel(j)
	m.ID = bson.NewObjectID()
	if _, err := s.jobs.InsertOne(ctx, m); err != nil {
		return wrap("create job", err)
	}
	j.ID = m.ID.Hex()
	return nil
}

func (s *Store) FindJobByID(ctx context.Context, id string) (*domain.Job, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrJobNotFound
	}
	var m jobModel
	err = s.jobs.FindOne(ctx, bson.M{"_id": oid}).Decode(&m)
	if isNoDocuments(err) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, wrap("find job", err)
	}
	return m.toJob(), nil
}

func (s *Store) FindJobs(ctx context.Context, f storage.Filter) ([]*domain.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.jobs.Find(ctx, filterDoc(f), opts)
	if err != nil {
		return nil, wrap("find jobs", err)
	}
	var ms []jobModel
	if err := cur.All(ctx, &ms); err != nil {
		return nil, wrap("decode jobs", err)
	}
	out := make([]*domain.Job, 0, len(ms))
	for i := range ms {
		out = append(out, ms[i].toJob())
	}
	return out, nil
}

func (s *Store) UpdateJobByID(ctx context.Context, id string, p storage.Patch) (bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return false, domain.ErrJobNotFound
	}
	set := bson.M{"updatedAt": p.UpdatedAt}
	if p.Status != nil {
		set["status"] = string(*p.Status)
	}
	if p.RetryCount != nil {
		set["retryCount"] = *p.RetryCount
	}
	filter := bson.M{"_id": oid}
	if len(p.IfStatus) > 0 {
		filter["status"] = bson.M{"$in": storage.StatusStrings(p.IfStatus)}
	}
	if p.IfRetryCount != nil {
		filter["retryCount"] = *p.IfRetryCount
	}

	res, err := s.jobs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, wrap("update job", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, wrap("update job", err)
	}
	if n == 0 {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}

func (s *Store) CountJobs(ctx context.Context, f storage.Filter) (int64, error) {
	n, err := s.jobs.CountDocuments(ctx, filterDoc(f))
	if err != nil {
		return 0, wrap("count jobs", err)
	}
	return n, nil
}

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	m := userModel{
		ID:           bson.NewObjectID(),
		Username:     u.Username,
		Email:        strings.ToLower(u.Email),
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
	if _, err := s.users.InsertOne(ctx, m); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateUser
		}
		return wrap("create user", err)
	}
	u.ID = m.ID.Hex()
	return nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var m userModel
	err := s.users.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&m)
	if isNoDocuments(err) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, wrap("find user", err)
	}
	return &domain.User{
		ID:           m.ID.Hex(),
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func filterDoc(f storage.Filter) bson.M {
	doc := bson.M{}
	if f.OwnerID != "" {
		doc["ownerId"] = f.OwnerID
	}
	if len(f.Statuses) > 0 {
		doc["status"] = bson.M{"$in": storage.StatusStrings(f.Statuses)}
	}
	if !f.UpdatedBefore.IsZero() {
		doc["updatedAt"] = bson.M{"$lt": f.UpdatedBefore}
	}
	return doc
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: mongo: %s: %v", domain.ErrStoreUnavailable, op, err)
}

type jobModel struct {
	ID         bson.ObjectID `bson:"_id"`
	Name       string        `bson:"name"`
	OwnerID    string        `bson:"ownerId"`
	Status     string        `bson:"status"`
	RetryCount int           `bson:"retryCount"`
	CreatedAt  time.Time     `bson:"createdAt"`
	UpdatedAt  time.Time     `bson:"updatedAt"`
}

func toJobModel(j *domain.Job) jobModel {
	return jobModel{
		Name:       j.Name,
		OwnerID:    j.OwnerID,
		Status:     string(j.Status),
		RetryCount: j.RetryCount,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func (m *jobModel) toJob() *domain.Job {
	return &domain.Job{
		ID:         m.ID.Hex(),
		Name:       m.Name,
		OwnerID:    m.OwnerID,
		Status:     domain.Status(m.Status),
		RetryCount: m.RetryCount,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

type userModel struct {
	ID           bson.ObjectID `bson:"_id"`
	Username     string        `bson:"username"`
	Email        string        `bson:"email"`
	PasswordHash string        `bson:"passwordHash"`
	CreatedAt    time.Time     `bson:"createdAt"`
	UpdatedAt    time.Time     `bson:"updatedAt"`
}
