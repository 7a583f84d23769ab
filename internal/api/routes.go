// Package api provides HTTP handlers for the niche results server.
package api

import (
	"encoding/json"
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
	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/metrics"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Results     *service.ResultsService
	Runs        *RunManager // nil disables run submission
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(countRequests)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	res := cfg.Results
	r.Route("/api", func(r chi.Router) {
		r.Get("/cache/stats", cacheStatsHandler(res))

		r.Get("/runs", runsHandler(res))
		r.Post("/runs", runSubmitHandler(cfg.Runs))
		r.Route("/runs/{run}", func(r chi.Router) {
			r.Get("/", runHandler(res))
			r.Delete("/", runCancelHandler(cfg.Runs))
			r.Get("/artifacts", artifactsHandler(res))
			r.Get("/cohorts/{cohort}/prototypes", prototypesHandler(res))
			r.Get("/cohorts/{cohort}/prototypes.png", heatmapHandler(res))
			r.Get("/cohorts/{cohort}/loading", loadingHandler(res))
			r.Get("/slides/{slide}/overlay.png", overlayHandler(res))
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", statusOf(ww)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// countRequests labels requests by their route pattern so path parameters
// do not explode the series count.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(statusOf(ww))).Inc()
	})
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// writeError maps typed errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case nicheerr.IsNotFound(err):
		status = http.StatusNotFound
	case nicheerr.IsValidation(err):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func cacheStatsHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, res.CacheStats())
	}
}

func runsHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		runs, err := res.Runs(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"runs":  runs,
			"total": len(runs),
		})
	}
}

func runHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := res.Run(chi.URLParam(r, "run"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func runSubmitHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rm == nil {
			http.Error(w, "run submission not configured", http.StatusNotImplemented)
			return
		}
		run, err := rm.Submit()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"run_id": run.ID,
			"status": run.Status,
			"error":  run.Error,
		})
	}
}

func runCancelHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rm == nil {
			http.Error(w, "run submission not configured", http.StatusNotImplemented)
			return
		}
		runID := chi.URLParam(r, "run")
		if !rm.Cancel(runID) {
			http.Error(w, "run is not queued or running", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id":    runID,
			"cancelled": true,
		})
	}
}

func artifactsHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		arts, err := res.Artifacts(chi.URLParam(r, "run"))
		if err != nil {
			writeError(w, err)
			return
		}
		kind := r.URL.Query().Get("kind")
		out := arts[:0]
		for _, a := range arts {
			if kind == "" || a.Kind == kind {
				out = append(out, a)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"artifacts": out,
			"total":     len(out),
		})
	}
}

func prototypesHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := res.Prototypes(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "cohort"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeRawJSON(w, data)
	}
}

func loadingHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := res.Loading(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "cohort"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeRawJSON(w, data)
	}
}

func heatmapHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmap := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("colormap")))
		data, err := res.PrototypeHeatmap(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "cohort"), cmap)
		if err != nil {
			writeError(w, err)
			return
		}
		writePNG(w, data)
	}
}

func overlayHandler(res *service.ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		niches, err := parseNicheFilter(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := res.Overlay(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "slide"), niches, parsePointSize(r.URL.Query()))
		if err != nil {
			writeError(w, err)
			return
		}
		writePNG(w, data)
	}
}

// parseNicheFilter reads ?niches= as repeated values, a JSON array or a
// comma-separated list. Absent means no filter; present but empty means
// draw none.
func parseNicheFilter(query url.Values) ([]int, error) {
	rawValues, present := query["niches"]
	if !present {
		return nil, nil
	}

	var parts []string
	if len(rawValues) > 1 {
		parts = rawValues
	} else {
		raw := strings.TrimSpace(rawValues[0])
		if strings.HasPrefix(raw, "[") {
			var ids []int
			if err := json.Unmarshal([]byte(raw), &ids); err != nil {
				return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "invalid niches filter")
			}
			if ids == nil {
				ids = make([]int, 0)
			}
			return ids, nil
		}
		parts = strings.Split(raw, ",")
	}

	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil || id < 0 {
			return nil, nicheerr.New(nicheerr.TypeValidation, "invalid niche id").WithDetail("value", p)
		}
		out = append(out, id)
	}
	return out, nil
}

// parsePointSize returns 0 for the renderer default.
func parsePointSize(query url.Values) float64 {
	raw := strings.TrimSpace(query.Get("point_size"))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	// Clamp to a sane range.
	if v < 0.5 {
		v = 0.5
	}
	if v > 10 {
		v = 10
	}
	// Quantize for stable caching.
	return math.Round(v*1000) / 1000
}
