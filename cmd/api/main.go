package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/queuecraft/internal/admission"
	"github.com/SirClappington/queuecraft/internal/app"
	"github.com/SirClappington/queuecraft/internal/config"
	"github.com/SirClappington/queuecraft/internal/httpapi"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/logging"
	"github.com/SirClappington/queuecraft/internal/realtime"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg, "api")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
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
		log.Info("shutdown signal received")
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

	limiter, sweep := a.Limiter()
	svc := &jobs.Service{
		Repo:    a.Repo,
		Limiter: limiter,
		Cap:     admission.NewCap(a.Repo, cfg.Admission.MaxActiveJobs),
		Queue:   a.Broker,
		Events:  a.Bus,
		Metrics: a.Metrics,
		Log:     log,
	}

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Service: svc,
			Queue:   a.Broker,
			Metrics: a.Metrics,
			Hub:     realtime.NewHub(a.Bus, log),
			Log:     log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Bus.Run(gCtx) })
	if sweep != nil {
		g.Go(func() error { return sweep(gCtx) })
	}
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
