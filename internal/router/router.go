package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"playcode-backend/internal/handlers"
	"playcode-backend/internal/middleware"
	"playcode-backend/internal/websocket"
)

type Options struct {
	FrontendURL string
	// OpenInstanceLimit caps instance opens per client address per minute.
	OpenInstanceLimit int
	Gatherer          prometheus.Gatherer
}

func New(
	jwtAuth *middleware.JWTAuth,
	playerSessionHandler *handlers.PlayerSessionHandler,
	wsHub *websocket.Hub,
	log *zap.Logger,
	opts Options,
) (http.Handler, *middleware.RateLimiter) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(log.Named("http")))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.FrontendURL))

	limit := opts.OpenInstanceLimit
	if limit <= 0 {
		limit = 120
	}
	openLimiter := middleware.NewRateLimiter(limit, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Activity owner routes ────
		r.Route("/activities/{id}", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/session", playerSessionHandler.CreateSession)
			r.Get("/session", playerSessionHandler.GetSession)
			r.Get("/plays", playerSessionHandler.GetPlayCount)
		})

		// ──── Player routes (public) ────
		r.Route("/play", func(r chi.Router) {
			r.Post("/instances/{id}/complete", playerSessionHandler.CompleteInstance)
			r.Get("/{code}", playerSessionHandler.GetByCode)

			r.With(openLimiter.Middleware).Post("/{code}/instances", playerSessionHandler.OpenInstance)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r, openLimiter
}
