package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/gscload/idgen"
	"github.com/hazyhaar/gscload/ingest"
	"github.com/hazyhaar/gscload/kit"
	"github.com/hazyhaar/gscload/observability"
	"github.com/hazyhaar/gscload/shield"
)

// server holds the HTTP surface of `gscload serve`.
type server struct {
	// ctx outlives requests so a triggered run survives the client hanging up.
	ctx      context.Context
	now      func() time.Time
	window   func(time.Time) ingest.DateRange
	run      func(ctx context.Context, dr ingest.DateRange, debug bool) (any, error)
	runs     recentRuns
	detail   runDetail
	gatherer prometheus.Gatherer
	token    string // guards POST /runs when set
	limiter  *shield.RateLimiter
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	trigger := r.With(shield.RequireToken(s.token))
	if s.limiter != nil {
		trigger = trigger.With(s.limiter.Middleware)
	}
	trigger.Post("/runs", s.triggerRun)
	return r
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ledger disabled"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be in 1..1000"})
			return
		}
		limit = n
	}
	runs, err := s.runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.detail == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ledger disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := idgen.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, batches, err := s.detail(r.Context(), id)
	switch {
	case errors.Is(err, observability.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if batches == nil {
		batches = []observability.BatchEntry{}
	}
	writeJSON(w, http.StatusOK, runView{Run: run, Batches: batches})
}

// runView is the GET /runs/{id} body.
type runView struct {
	Run     observability.RunEntry     `json:"run"`
	Batches []observability.BatchEntry `json:"batches"`
}

func (s *server) triggerRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	debug := false
	if v := q.Get("debug"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "debug must be a boolean"})
			return
		}
		debug = b
	}

	var dr ingest.DateRange
	start, end := q.Get("start"), q.Get("end")
	switch {
	case start == "" && end == "":
		dr = s.window(s.now())
	default:
		var err error
		if dr, err = ingest.ParseRange(start, end); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx := kit.WithTrigger(s.ctx, "http")
	ctx = kit.WithRequestID(ctx, middleware.GetReqID(r.Context()))
	report, err := s.run(ctx, dr, debug)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ingest.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err)
	case err != nil && report == nil:
		writeError(w, http.StatusInternalServerError, err)
	case err != nil:
		s.logger.Error("serve: triggered run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
