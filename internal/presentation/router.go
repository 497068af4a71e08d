package presentation

import (
	"net/http"
	"time"

	"github.com/RaikyD/storefront-orders/internal/auth"
	"github.com/RaikyD/storefront-orders/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

type RouterConfig struct {
	Handler        *OrdersHandler
	Auth           *auth.Authenticator
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	AllowedOrigins []string
	RequestTimeout time.Duration
	AccessLog      bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(cfg.Metrics.Middleware)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Location", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)
		cfg.Handler.Register(r)
	})
	return r
}
