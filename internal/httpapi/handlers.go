package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/jobs"
	"github.com/SirClappington/queuecraft/internal/metrics"
)

const (
	defaultPeekLimit = 10
	maxPeekLimit     = 100
)

type errorBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (a *api) register(w http.ResponseWriter, r *http.Request) {
	var req jobs.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, domain.ValidationError("invalid JSON body"))
		return
	}
	u, err := a.Service.RegisterUser(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user":    userView{ID: u.ID, Username: u.Username, Email: u.Email},
	})
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, domain.ValidationError("invalid JSON body"))
		return
	}
	j, err := a.Service.CreateJob(r.Context(), userFrom(r.Context()).ID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job": j})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	f := jobs.ListFilter{Status: domain.Status(r.URL.Query().Get("status"))}
	list, err := a.Service.ListJobs(r.Context(), userFrom(r.Context()).ID, f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": list})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.Service.GetJob(r.Context(), userFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": j})
}

func (a *api) listDeadLettered(w http.ResponseWriter, r *http.Request) {
	list, err := a.Service.ListJobs(r.Context(), userFrom(r.Context()).ID, jobs.ListFilter{Status: domain.DeadLettered})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": list, "count": len(list)})
}

func (a *api) queueStats(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		unavailable(w)
		return
	}
	s, err := a.Queue.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": s})
}

func (a *api) peekDeadLetters(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		unavailable(w)
		return
	}
	limit := defaultPeekLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			a.writeError(w, r, domain.ValidationError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxPeekLimit)
	}
	msgs, err := a.Queue.PeekDeadLetters(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs, "count": len(msgs)})
}

func (a *api) metrics(w http.ResponseWriter, r *http.Request) {
	if a.Metrics == nil {
		unavailable(w)
		return
	}
	snap, err := a.Metrics.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "metrics": snap})
}

func (a *api) resetMetrics(w http.ResponseWriter, r *http.Request) {
	if a.Metrics == nil {
		unavailable(w)
		return
	}
	if err := a.Metrics.Reset(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Log.Info("metrics reset", zap.String("user_id", userFrom(r.Context()).ID))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Metrics reset"})
}

// prometheus serves the counters in text exposition format. It is public so
// scrapers need no credentials. environment and instance query parameters
// become labels.
func (a *api) prometheus(w http.ResponseWriter, r *http.Request) {
	if a.Metrics == nil {
		http.Error(w, "# metrics not available in this process", http.StatusServiceUnavailable)
		return
	}
	snap, err := a.Metrics.Snapshot(r.Context())
	if err != nil {
		a.Log.Error("export metrics", zap.Error(err))
		http.Error(w, "# Error exporting metrics", http.StatusInternalServerError)
		return
	}
	labels := prometheus.Labels{}
	for _, k := range []string{"environment", "instance"} {
		if v := r.URL.Query().Get(k); v != "" {
			labels[k] = v
		}
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(snap, labels)); err != nil {
		http.Error(w, "# invalid label value", http.StatusBadRequest)
		return
	}
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Queue != nil && !a.Queue.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "broker": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) events(w http.ResponseWriter, r *http.Request) {
	if a.Hub == nil {
		unavailable(w)
		return
	}
	a.Hub.Serve(w, r, userFrom(r.Context()).ID)
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	switch {
	case isNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	case errors.As(err, &de) && de.Kind == domain.RateLimited:
		body := errorBody{Error: "Rate limit exceeded", Message: de.Message}
		if de.RetryAfter > 0 {
			body.RetryAfter = domain.RetryAfterSeconds(de.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		}
		writeJSON(w, http.StatusTooManyRequests, body)
	case errors.As(err, &de) && de.Kind == domain.ValidationFailed:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: de.Message})
	default:
		a.Log.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrUserNotFound)
}

func unavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Not available in this process"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
