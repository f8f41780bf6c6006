package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
)

// submitLimitWindow bounds how many analyses one user may start per minute.
const submitLimitWindow = time.Minute

type Router struct {
	submitter ports.JobSubmitter
	reader    ports.JobReader
	counter   ports.MetadataCache
	opts      Options
}

type Options struct {
	RateLimitRPS       float64
	RateLimitBurst     int
	MaxInFlight        int
	MaxInFlightWait    time.Duration
	UserSubmitsPerMin  int64
	RateLimitKeyPrefix string
}

func NewRouter(
	submitter ports.JobSubmitter,
	reader ports.JobReader,
	counter ports.MetadataCache,
	opts Options,
) *Router {
	if opts.MaxInFlightWait <= 0 {
		opts.MaxInFlightWait = 100 * time.Millisecond
	}
	if opts.RateLimitKeyPrefix == "" {
		opts.RateLimitKeyPrefix = "ratelimit:submit:"
	}
	return &Router{
		submitter: submitter,
		reader:    reader,
		counter:   counter,
		opts:      opts,
	}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", rt.healthz)
	r.Post("/v1/analyses", rt.submitAnalysis)
	r.Post("/v1/analyses/group", rt.submitGroupAnalysis)
	r.Get("/v1/analyses/{id}", rt.getAnalysis)
	r.Get("/v1/analyses/{id}/events", rt.listEvents)
	r.Get("/v1/analyses/{id}/replay", rt.replayAnalysis)
	r.Delete("/v1/analyses/{id}", rt.cancelAnalysis)

	var handler http.Handler = r
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, rt.opts.MaxInFlightWait)
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req ports.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := rt.checkUserLimit(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}

	resp, err := rt.submitter.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (rt *Router) submitGroupAnalysis(w http.ResponseWriter, r *http.Request) {
	var req ports.SubmitGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := rt.checkUserLimit(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}

	resp, err := rt.submitter.SubmitGroup(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (rt *Router) getAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := rt.reader.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := rt.reader.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.AnalysisEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (rt *Router) replayAnalysis(w http.ResponseWriter, r *http.Request) {
	state, err := rt.reader.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (rt *Router) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	if err := rt.reader.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// checkUserLimit enforces the per-user submission quota through the cache
// counter. A broken counter fails open; shedding load belongs to the
// token bucket, not the quota.
func (rt *Router) checkUserLimit(r *http.Request, userID string) error {
	if rt.counter == nil || rt.opts.UserSubmitsPerMin <= 0 || userID == "" {
		return nil
	}
	key := rt.opts.RateLimitKeyPrefix + userID
	count, err := rt.counter.IncrWithExpiry(r.Context(), key, submitLimitWindow)
	if err != nil {
		return nil
	}
	if count > rt.opts.UserSubmitsPerMin {
		return domain.WrapError(domain.ErrRateLimited, "submit analysis",
			fmt.Errorf("user %s exceeded %d submissions per minute", userID, rt.opts.UserSubmitsPerMin))
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
