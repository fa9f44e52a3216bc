package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	CORSOrigins      []string
	AskRatePerMinute int
}

func NewRouter(logger zerolog.Logger, apiHandler *APIHandler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.StripSlashes)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: len(origins) > 0 && origins[0] != "*",
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", apiHandler.Health)

	limiter := NewUserRateLimiter(cfg.AskRatePerMinute)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", apiHandler.RegisterHandler)
			r.Post("/login", apiHandler.LoginHandler)
			r.Post("/logout", apiHandler.LogoutHandler)
			r.Get("/federated", apiHandler.FederatedStartHandler)
			r.Get("/federated/callback", apiHandler.FederatedCallbackHandler)
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RequireAuth)

			r.Get("/pages/{kind}/events", apiHandler.PageEventsHandler)
			r.Route("/pages/{kind}/{pageID}", func(r chi.Router) {
				r.With(limiter.Middleware("ask")).Post("/ask", apiHandler.AskHandler)
				r.With(limiter.Middleware("regenerate")).Post("/regenerate", apiHandler.RegenerateHandler)
				r.Post("/stop", apiHandler.StopHandler)
				r.Post("/sessions", apiHandler.NewSessionHandler)
				r.Post("/sessions/{sessionID}/open", apiHandler.OpenSessionHandler)
			})

			r.Get("/history/{kind}", apiHandler.ListHistoryHandler)
			r.Get("/history/{kind}/{sessionID}", apiHandler.GetHistoryHandler)
		})
	})

	return r
}
