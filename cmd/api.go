package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/enrich"
	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/monitoring"
	"github.com/sells-group/market-pulse/internal/orchestrator"
	"github.com/sells-group/market-pulse/internal/scheduler"
	"github.com/sells-group/market-pulse/internal/store"
)

// triggerer is the scheduler surface exposed over HTTP.
type triggerer interface {
	Trigger() (scheduler.TriggerResult, error)
	Status() scheduler.Status
}

type stateReporter interface {
	Snapshot() orchestrator.Snapshot
}

// apiServer serves the refresh trigger, status and item queries.
type apiServer struct {
	store     store.Store
	sched     triggerer
	orch      stateReporter
	cache     enrich.Cache
	collector *monitoring.Collector

	threshold     float64
	lookbackHours int

	nowFunc func() time.Time
}

func newRouter(api *apiServer, origins []string) http.Handler {
	if api.nowFunc == nil {
		api.nowFunc = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", api.health)
	r.Get("/status", api.status)
	r.Post("/refresh", api.refresh)
	r.Get("/items", api.items)
	r.Get("/cycles", api.cycles)
	r.Post("/annotations/{fingerprint}/invalidate", api.invalidate)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("http: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *apiServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Scheduler    scheduler.Status            `json:"scheduler"`
	Orchestrator orchestrator.Snapshot       `json:"orchestrator"`
	Metrics      *monitoring.MetricsSnapshot `json:"metrics,omitempty"`
}

func (a *apiServer) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Scheduler:    a.sched.Status(),
		Orchestrator: a.orch.Snapshot(),
	}
	if a.collector != nil {
		snap, err := a.collector.Collect(r.Context(), a.lookbackHours)
		if err != nil {
			zap.L().Error("http: collect status metrics", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "status unavailable")
			return
		}
		resp.Metrics = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiServer) refresh(w http.ResponseWriter, _ *http.Request) {
	res, err := a.sched.Trigger()
	var backoff *scheduler.BackoffError
	switch {
	case errors.As(err, &backoff):
		secs := int(math.Ceil(backoff.Remaining.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":            backoff.Error(),
			"retry_after_secs": secs,
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case res == scheduler.Coalesced:
		writeJSON(w, http.StatusOK, map[string]string{"status": res.String()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": res.String()})
	}
}

type itemsResponse struct {
	Items []model.StoredItem `json:"items"`
	Count int                `json:"count"`
}

func (a *apiServer) items(w http.ResponseWriter, r *http.Request) {
	filter, err := parseItemFilter(r.URL.Query(), a.nowFunc(), a.threshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.store.QueryItems(r.Context(), filter)
	if err != nil {
		zap.L().Error("http: query items", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []model.StoredItem{}
	}
	writeJSON(w, http.StatusOK, itemsResponse{Items: items, Count: len(items)})
}

func (a *apiServer) cycles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cycles, err := a.store.ListCycles(r.Context(), store.CycleFilter{
		Group:  q.Get("group"),
		Status: model.CycleStatus(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		zap.L().Error("http: list cycles", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if cycles == nil {
		cycles = []model.Cycle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles, "count": len(cycles)})
}

func (a *apiServer) invalidate(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := a.cache.Invalidate(r.Context(), fp); err != nil {
		zap.L().Error("http: invalidate annotation", zap.String("fingerprint", fp), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "invalidate failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp, "status": "invalidated"})
}

// parseItemFilter builds an item query from URL parameters. Without
// min_relevance the configured threshold applies; all=true disables it.
func parseItemFilter(q url.Values, now time.Time, threshold float64) (store.ItemFilter, error) {
	filter := store.ItemFilter{Entity: model.NormalizeEntity(q.Get("entity"))}

	var err error
	if filter.From, err = parseTime(q.Get("since"), now); err != nil {
		return filter, eris.Wrap(err, "since")
	}
	if filter.To, err = parseTime(q.Get("until"), now); err != nil {
		return filter, eris.Wrap(err, "until")
	}
	if filter.Limit, err = intParam(q, "limit"); err != nil {
		return filter, err
	}

	if all, _ := strconv.ParseBool(q.Get("all")); all {
		return filter, nil
	}
	minRel := threshold
	if v := q.Get("min_relevance"); v != "" {
		if minRel, err = strconv.ParseFloat(v, 64); err != nil {
			return filter, eris.Errorf("min_relevance: invalid number %q", v)
		}
	}
	filter.MinRelevance = &minRel
	return filter, nil
}

// parseTime accepts a lookback duration ("24h"), an RFC 3339 timestamp or a
// date. Empty input yields the zero time.
func parseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, eris.Errorf("invalid time %q (want duration, RFC 3339 or YYYY-MM-DD)", s)
}

func intParam(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("%s: invalid value %q", key, v)
	}
	return n, nil
}
