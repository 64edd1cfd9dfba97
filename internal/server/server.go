// Package server exposes the HTTP surface: webhooks, search, stats, and
// health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/webfuse/webfuse/internal/config"
	"github.com/webfuse/webfuse/internal/pool"
	"github.com/webfuse/webfuse/internal/webhook"
)

const (
	// rateLimit bounds unauthenticated-ish API traffic per client IP.
	rateLimit       = 120
	rateLimitWindow = time.Minute

	shutdownGrace = 10 * time.Second
)

// Server is the webfuse HTTP server.
type Server struct {
	cfg    *config.Config
	pool   *pool.Pool
	http   *http.Server
	logger *slog.Logger
}

// New builds the server and its router.
func New(cfg *config.Config, p *pool.Pool) *Server {
	s := &Server{
		cfg:    cfg,
		pool:   p,
		logger: slog.Default(),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the chi router. Webhook endpoints sit outside the rate
// limiter: they authenticate by signature, and dropping a signed callback
// loses data.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", webhook.SignatureHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/webhook", func(r chi.Router) {
			r.Method(http.MethodPost, "/firecrawl",
				webhook.NewFirecrawlHandler(s.cfg.WebhookSecret, s.pool.Broker))
			r.Method(http.MethodPost, "/changedetection",
				webhook.NewChangeDetectionHandler(s.cfg.WebhookSecret, s.pool.Broker, s.pool.DB))
		})

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(rateLimit, rateLimitWindow))
			r.With(s.requireBearer).Post("/search", s.handleSearch)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_server_started", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.logger.Info("http_server_stopping")
	return s.http.Shutdown(shutdownCtx)
}
