// Package ui serves the JSON/SSE API the grid frontend drives: tab
// lifecycle, slice views, sort/cancel/reset operations, exports, and
// status change streams.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapgrid/internal/engine"
)

// Server is the UI server.
type Server struct {
	registry     *Registry
	engine       *engine.Engine
	sessionStore *sessions.CookieStore
	addr         string
	watch        bool
	logger       *slog.Logger
}

// Config holds configuration for the UI server.
type Config struct {
	Registry      *Registry
	Engine        *engine.Engine
	Addr          string
	Watch         bool
	SessionSecret string
	Logger        *slog.Logger
}

// NewServer creates a UI server.
func NewServer(cfg Config) *Server {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.MaxAge(86400 * 30) // 30 days
	sessionStore.Options.Path = "/"
	sessionStore.Options.HttpOnly = true
	sessionStore.Options.SameSite = http.SameSiteLaxMode

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		registry:     cfg.Registry,
		engine:       cfg.Engine,
		sessionStore: sessionStore,
		addr:         cfg.Addr,
		watch:        cfg.Watch,
		logger:       logger,
	}
}

// Handler builds the HTTP handler. Exposed separately so tests can drive
// the API through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Logger,
		middleware.Recoverer,
		middleware.Compress(5),
	)

	h := &handlers{
		registry:     s.registry,
		engine:       s.engine,
		sessionStore: s.sessionStore,
		logger:       s.logger,
	}
	h.routes(r)
	return r
}

// Serve starts the server and blocks until ctx is cancelled. On the way
// out every open tab is persisted and closed.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting UI server", "addr", fmt.Sprintf("http://%s", s.addr))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watch && s.engine != nil {
		eg.Go(func() error {
			return s.engine.Watch(egctx, func(name string) {
				s.registry.ResetMatching(egctx, name)
			})
		})
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down UI server...")
		return srv.Shutdown(shutdownCtx)
	})

	err := eg.Wait()

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.registry.Shutdown(persistCtx)

	return err
}
