package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"portal-ledger/internal/metrics"
)

type RouterConfig struct {
	// MaxInflight caps concurrent requests. Values <= 0 fall back to 64.
	MaxInflight int
}

func Router(h *Handlers, log *zap.Logger, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(withCorrelationID)
	r.Use(withRequestLog(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Backpressure at the edge.
		// Prevents unbounded goroutine/pool queueing when DB is saturated.
		r.Use(withConcurrencyLimit(cfg.MaxInflight))
		r.Use(withActor)

		r.Post("/accounts", h.CreateAccount)
		r.Get("/accounts/{accountID}/balance", h.GetBalance)
		r.Post("/categories", h.CreateCategory)
		r.Post("/transfers", h.PostTransfer)
	})
	return r
}

func withConcurrencyLimit(max int) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				// Fast fail instead of queueing forever.
				metrics.HTTPRejectedBusy.Inc()
				writeErr(w, http.StatusServiceUnavailable, "server busy")
			}
		})
	}
}

func withRequestLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", correlationID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}
