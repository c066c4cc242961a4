package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/queuecraft/internal/app"
	"github.com/SirClappington/queuecraft/internal/config"
	"github.com/SirClappington/queuecraft/internal/logging"
	"github.com/SirClappington/queuecraft/internal/queue"
	"github.com/SirClappington/queuecraft/internal/worker"
)

const reconcileLockKey = "queuecraft:lock:reconcile"

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg, "worker")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, draining")
		cancel()
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	var delay queue.Delayer
	if cfg.Queue.DelayBackend == "redis" {
		rd := queue.NewRedisDelayer(a.Redis, cfg.Queue.Name, a.Broker, log)
		g.Go(func() error { return rd.Run(gCtx) })
		delay = rd
	} else {
		delay = queue.NewTimerDelayer(a.Broker, log)
	}

	exec := &worker.DemoExecutor{
		FailSubstring: cfg.Exec.FailSubstring,
		FailEvery:     cfg.Exec.FailEvery,
		Duration:      cfg.Exec.Duration,
	}
	proc := worker.NewProcessor(a.Machine, exec, cfg.Exec.Timeout, a.Metrics, log)
	consumer := queue.NewConsumer(a.Broker, a.Broker, delay, proc, queue.Policy{
		MaxRetries:     cfg.Queue.MaxRetries,
		BaseDelay:      cfg.Queue.RetryBaseDelay,
		ReconnectDelay: cfg.Queue.ReconnectDelay,
	}, log)
	rec := worker.NewReconciler(a.Repo, a.Machine, a.Broker,
		worker.NewRedisLock(a.Redis, reconcileLockKey),
		cfg.Reconcile.After, cfg.Reconcile.Interval, log)

	g.Go(func() error { return a.Bus.Run(gCtx) })
	g.Go(func() error { return rec.Run(gCtx) })
	g.Go(func() error {
		log.Info("worker started",
			zap.String("queue", cfg.Queue.Name),
			zap.Int("concurrency", cfg.Queue.Concurrency),
			zap.Int("max_retries", cfg.Queue.MaxRetries))
		err := consumer.Run(gCtx)
		// Flush scheduled retries once nothing in flight can add more.
		if cerr := delay.Close(); cerr != nil {
			log.Warn("delayer close", zap.Error(cerr))
		}
		return err
	})
	return g.Wait()
}
