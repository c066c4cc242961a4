package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/queuecraft/internal/admission"
	"github.com/SirClappington/queuecraft/internal/cache"
	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/events"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/metrics"
	"github.com/SirClappington/queuecraft/internal/queue"
	"github.com/SirClappington/queuecraft/internal/storage/memory"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, *domain.Job) error { return nil }

type fakeInspector struct{ down atomic.Bool }

func (f *fakeInspector) Connected() bool { return !f.down.Load() }

func (*fakeInspector) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Main: queue.QueueStats{Name: "job-queue", Messages: 2}, DeadLetter: queue.QueueStats{Name: "job-dlq"}}, nil
}

func (*fakeInspector) PeekDeadLetters(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	return []queue.DeadLetter{{Message: queue.Message{JobID: "j1"}, Reason: "rejected"}}[:min(limit, 1)], nil
}

type fixture struct {
	srv      *httptest.Server
	svc      *jobs.Service
	broker   *fakeInspector
	counters *metrics.Counters
}

func newFixture(t *testing.T, limiter admission.Limiter) *fixture {
	log := zaptest.NewLogger(t)
	repo := jobs.NewRepository(memory.New(), cache.NewMemory(), log, 0, 0)
	svc := &jobs.Service{
		Repo:    repo,
		Limiter: limiter,
		Cap:     admission.NewCap(repo, 5),
		Queue:   nopQueue{},
		Events:  events.NewLocal(log),
		Log:     log,
	}
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	counters := metrics.New(rdb, log)
	broker := &fakeInspector{}

	srv := httptest.NewServer(NewRouter(Deps{Service: svc, Queue: broker, Metrics: counters, Log: log}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, svc: svc, broker: broker, counters: counters}
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth("ann@example.com", "correct horse")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	resp, out := f.do(t, http.MethodPost, "/v1/users", `{"username":"ann","email":"ann@example.com","password":"correct horse"}`, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := out["user"].(map[string]any)
	assert.NotContains(t, user, "passwordHash")
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/jobs", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := f.do(t, http.MethodPost, "/v1/jobs", `{"name":"ok-job"}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := out["job"].(map[string]any)
	assert.Equal(t, "pending", job["status"])
	id := job["id"].(string)

	resp, out = f.do(t, http.MethodGet, "/v1/jobs/"+id, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok-job", out["job"].(map[string]any)["name"])

	resp, out = f.do(t, http.MethodGet, "/v1/jobs?status=pending", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["jobs"], 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs?status=bogus", "", true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/nope", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/jobs", `{"name":""}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.do(t, http.MethodGet, "/v1/dlq", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), out["count"])
}

func TestRateLimitedResponse(t *testing.T) {
	f := newFixture(t, admission.NewWindow(1, time.Minute, 0))
	f.register(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/jobs", `{"name":"a"}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, out := f.do(t, http.MethodPost, "/v1/jobs", `{"name":"b"}`, true)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Rate limit exceeded", out["error"])
	assert.NotEmpty(t, out["message"])
	retry := out["retryAfter"].(float64)
	assert.Greater(t, retry, float64(0))
	assert.LessOrEqual(t, retry, float64(60))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestActiveCapResponse(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t)
	for i := 0; i < 5; i++ {
		resp, _ := f.do(t, http.MethodPost, "/v1/jobs", `{"name":"ok-job"}`, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, out := f.do(t, http.MethodPost, "/v1/jobs", `{"name":"ok-job"}`, true)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, out["message"], "Maximum 5 active jobs")
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t)

	resp, out := f.do(t, http.MethodGet, "/v1/queue/stats", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := out["stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["main"].(map[string]any)["messages"])

	resp, out = f.do(t, http.MethodGet, "/v1/queue/dlq/peek?limit=5", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["count"])

	resp, _ = f.do(t, http.MethodGet, "/v1/queue/dlq/peek?limit=x", "", true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

}

func TestMetricsEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t)
	f.counters.Incr(ctx, metrics.JobsSubmitted)
	f.counters.Incr(ctx, metrics.JobsSubmitted)
	f.counters.Incr(ctx, metrics.JobsDeadLetter)

	resp, out := f.do(t, http.MethodGet, "/v1/metrics", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), out["metrics"].(map[string]any)[metrics.JobsSubmitted])

	resp, _ = f.do(t, http.MethodPost, "/v1/metrics/reset", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/metrics/reset", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap, err := f.counters.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap[metrics.JobsSubmitted])
	assert.Equal(t, int64(0), snap[metrics.JobsDeadLetter])
}

func TestPrometheusScrape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.counters.Incr(ctx, metrics.JobsCompleted)
	f.counters.Incr(ctx, metrics.JobsCompleted)
	f.counters.Incr(ctx, metrics.JobsCompleted)

	scrape := func(query string) (int, string, string) {
		resp, err := http.Get(f.srv.URL + "/prometheus/metrics" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
	}

	code, ctype, body := scrape("")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, ctype, "text/plain")
	assert.Contains(t, body, "# TYPE queuecraft_jobs_completed_total counter")
	assert.Contains(t, body, "\nqueuecraft_jobs_completed_total 3\n")
	assert.Contains(t, body, "\nqueuecraft_jobs_dlq_total 0\n")

	_, _, body = scrape("?environment=prod&instance=api-1")
	assert.Contains(t, body, `queuecraft_jobs_completed_total{environment="prod",instance="api-1"} 3`)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, out := f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	f.broker.down.Store(true)
	resp, out = f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "disconnected", out["broker"])
}
