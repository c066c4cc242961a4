// Package httpapi is the REST and websocket surface over the job service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/queue"
	"github.com/SirClappington/queuecraft/internal/realtime"
)

// Inspector reports on the broker and its queues.
type Inspector interface {
	Connected() bool
	Stats(ctx context.Context) (queue.Stats, error)
	PeekDeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

type Counters interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
	Reset(ctx context.Context) error
}

type Deps struct {
	Service *jobs.Service
	Queue   Inspector // optional
	Metrics Counters  // optional
	Hub     *realtime.Hub
	Log     *zap.Logger
}

type api struct{ Deps }

func NewRouter(d Deps) http.Handler {
	a := &api{d}
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, a.logRequests, middleware.Recoverer)

	rtr.Get("/healthz", a.healthz)
	rtr.Get("/prometheus/metrics", a.prometheus)
	rtr.Post("/v1/users", a.register)

	rtr.Group(func(rtr chi.Router) {
		rtr.Use(a.authenticate)
		rtr.Post("/v1/jobs", a.createJob)
		rtr.Get("/v1/jobs", a.listJobs)
		rtr.Get("/v1/jobs/{id}", a.getJob)
		rtr.Get("/v1/dlq", a.listDeadLettered)
		rtr.Get("/v1/queue/stats", a.queueStats)
		rtr.Get("/v1/queue/dlq/peek", a.peekDeadLetters)
		rtr.Get("/v1/metrics", a.metrics)
		rtr.Post("/v1/metrics/reset", a.resetMetrics)
		rtr.Get("/v1/events", a.events)
	})
	return rtr
}

type ctxKey struct{}

func userFrom(ctx context.Context) *domain.User {
	u, _ := ctx.Value(ctxKey{}).(*domain.User)
	return u
}

// authenticate checks HTTP basic credentials: email and password.
func (a *api) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, password, ok := r.BasicAuth()
		if !ok {
			unauthorized(w)
			return
		}
		u, err := a.Service.Authenticate(r.Context(), email, password)
		if err != nil {
			if !isNotFound(err) {
				a.writeError(w, r, err)
				return
			}
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="queuecraft"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
