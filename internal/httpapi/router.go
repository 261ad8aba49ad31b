// Package httpapi exposes the control plane's REST and SSE surface over
// the App built in internal/app. Routing is chi; every handler translates
// between the wire JSON shape and the internal store/orchestrator calls,
// and never embeds business logic that belongs in engine or orchestrator.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mainthread-dev/mainthread/internal/app"
	"github.com/mainthread-dev/mainthread/internal/logging"
	"github.com/mainthread-dev/mainthread/internal/metrics"
)

// NewRouter builds the full HTTP surface for a.
func NewRouter(a *app.App) http.Handler {
	h := &handlers{app: a}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware(a.Cfg.CORSOrigins))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", h.stats)
	r.Get("/time", h.serverTime)
	r.Get("/cwd", h.cwd)
	r.Get("/browse", h.browse)
	r.Get("/directories", h.directories)
	r.Get("/directories/suggestions", h.directorySuggestions)
	r.Get("/git/info", h.gitInfo)

	r.Route("/threads", func(r chi.Router) {
		r.Get("/", h.listThreads)
		r.Post("/", h.createThread)
		r.Delete("/all", h.resetAll)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getThread)
			r.Patch("/status", h.patchStatus)
			r.Patch("/config", h.patchConfig)
			r.Patch("/title", h.patchTitle)

			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.postMessage)
			r.Delete("/messages", h.clearMessages)

			r.Post("/archive", h.archive)
			r.Post("/unarchive", h.unarchive)
			r.Post("/stop", h.stop)
			r.Post("/answer", h.answer)
			r.Post("/plan-action", h.planAction)

			r.Get("/tokens", h.tokens)
			r.Get("/usage", h.usage)
			r.Get("/files", h.files)
			r.Get("/stream", h.stream)
			r.Post("/tools/{name}", h.callTool)
		})
	})

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func statusBucket(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	app *app.App
}
