package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"BasisVault/internal/core"
	"BasisVault/internal/observability"
)

// Server is the HTTP surface: vault views and previews read through
// the engine, command endpoints for deposits, withdrawals, claims and
// the operator strategy actions, plus health and metrics.
type Server struct {
	engine  *core.Engine
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewServer(engine *core.Engine, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		health:  health,
		metrics: metrics,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/pools", s.handleListPools)

		r.Route("/pools/{poolID}", func(r chi.Router) {
			r.Get("/", s.handlePoolView)
			r.Get("/strategy", s.handleStrategyView)
			r.Get("/shares/{owner}", s.handleSharesOf)
			r.Get("/preview/deposit", s.handlePreviewDeposit)
			r.Get("/preview/redeem", s.handlePreviewRedeem)
			r.Get("/requests", s.handleListRequests)
			r.Get("/requests/{key}", s.handleRequestView)
			r.Get("/upkeep", s.handleCheckUpkeep)

			r.Post("/deposit", s.handleDeposit)
			r.Post("/mint", s.handleMint)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/redeem", s.handleRedeem)
			r.Post("/claim", s.handleClaim)
			r.Post("/settle", s.handleSettle)

			r.Post("/utilize", s.handleUtilize)
			r.Post("/deutilize", s.handleDeutilize)
			r.Post("/upkeep", s.handlePerformUpkeep)
			r.Post("/collect-fees", s.handleCollectFees)
		})
	})

	return r
}

// instrument records per-endpoint request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		endpoint := r.Method + " " + routePattern(r)
		s.metrics.APIRequests.WithLabelValues(endpoint, http.StatusText(ww.Status())).Inc()
		s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
