// Package api exposes the queue over HTTP: message creation, status,
// operator retry and cancel, plus health probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/mailqueue/pkg/logger"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Server is the HTTP front of the queue.
type Server struct {
	cfg    Config
	srv    *http.Server
	log    *slog.Logger
	checks map[string]CheckFunc
}

// NewServer builds the router and wires the handlers.
func NewServer(cfg Config, h *Handlers, log *slog.Logger, checks map[string]CheckFunc) *Server {
	if log == nil {
		log = logger.NewNope()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.WriteTimeout))

	r.Get("/healthz", livenessHandler())
	r.Get("/readyz", readinessHandler(checks))

	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", h.createMessage)
		r.Get("/{id}", h.getMessage)
		r.Post("/{id}/retry", h.retryMessage)
		r.Post("/{id}/cancel", h.cancelMessage)
	})

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log:    log,
		checks: checks,
	}
}

// Run serves until ctx is cancelled, then drains within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
