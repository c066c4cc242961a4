// Package app wires the shared runtime of the api and worker processes.
package app

import (
	"context"
	"fmt"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/admission"
	"github.com/SirClappington/queuecraft/internal/cache"
	"github.com/SirClappington/queuecraft/internal/config"
	"github.com/SirClappington/queuecraft/internal/events"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/metrics"
	"github.com/SirClappington/queuecraft/internal/queue"
	"github.com/SirClappington/queuecraft/internal/storage"
	"github.com/SirClappington/queuecraft/internal/storage/memory"
	"github.com/SirClappington/queuecraft/internal/storage/mongo"
	"github.com/SirClappington/queuecraft/internal/storage/postgres"
)

type App struct {
	Cfg config.Config
	Log *zap.Logger

	Store   storage.Store
	Redis   *r.Client
	Repo    *jobs.Repository
	Local   *events.Local
	Bus     *events.FanOut
	Machine *jobs.Machine
	Broker  *queue.Broker
	Metrics *metrics.Counters
}

// New opens the store, Redis and the broker. It blocks until the broker is
// reachable or ctx is done.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store

	a.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable at startup, cache and fan-out degraded", zap.Error(err))
	}

	a.Repo = jobs.NewRepository(store, cache.NewRedis(a.Redis), log, cfg.Cache.TTL, cfg.Cache.OpTimeout)
	a.Local = events.NewLocal(log)
	a.Bus = events.NewFanOut(a.Local, events.NewRedis(a.Redis, cfg.EventsChannel, log), cfg.Queue.ReconnectDelay, log)
	a.Machine = jobs.NewMachine(a.Repo, a.Bus, log)
	a.Metrics = metrics.New(a.Redis, log)

	a.Broker = queue.NewBroker(cfg.AMQPURL, queue.Topology{
		Queue:         cfg.Queue.Name,
		DLXExchange:   cfg.Queue.DLXExchange,
		DLQName:       cfg.Queue.DLQName,
		DLQRoutingKey: cfg.Queue.DLQRoutingKey,
		Prefetch:      cfg.Queue.Concurrency,
	}, cfg.Queue.ReconnectDelay, log)
	if err := a.Broker.Connect(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, fmt.Errorf("broker: %w", err)
	}
	return a, nil
}

func OpenStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "mongo":
		return mongo.Open(ctx, cfg.MongoURI)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Limiter builds the configured rate limiter. run is non-nil for limiters
// that need a background loop.
func (a *App) Limiter() (l admission.Limiter, run func(context.Context) error) {
	c := a.Cfg.Admission
	if c.RateBackend == "redis" {
		return admission.NewRedisWindow(a.Redis, c.RateMax, c.RateWindow), nil
	}
	w := admission.NewWindow(c.RateMax, c.RateWindow, c.RateSweep)
	return w, func(ctx context.Context) error {
		defer w.Close()
		return w.Run(ctx)
	}
}

func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Broker != nil {
		err = multierr.Append(err, a.Broker.Close())
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close(ctx))
	}
	return err
}
