// Package httpapi exposes the OpportunityEngine over a thin, read-mostly
// HTTP surface: the active opportunity set, an on-demand scan trigger,
// aggregate analytics, and manual market linking — plus the websocket
// stream mounted alongside it.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/arbiter/internal/engine"
)

// Config controls the HTTP server's listen port and runtime mode.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Engine  *engine.Engine
	Stream  http.Handler // mounted at /ws; nil disables the route
	DevMode bool
}

// Server is the engine's HTTP surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	engine *engine.Engine
}

// New builds a Server with routes and middleware installed but not yet
// listening.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "httpapi").Logger(),
		engine: cfg.Engine,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes(cfg.Stream)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes(stream http.Handler) {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/opportunities", s.handleListOpportunities)
		r.Get("/opportunities/{id}", s.handleGetOpportunity)
		r.Post("/opportunities/{id}/taken", s.handleMarkTaken)
		r.Post("/scan", s.handleScan)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/platform-pairs", s.handlePlatformPairs)
		r.Post("/markets/link", s.handleLinkMarkets)
		r.Delete("/markets/link", s.handleUnlinkMarkets)
	})

	if stream != nil {
		s.router.Handle("/ws", stream)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// ListenAndServe starts the HTTP server, blocking until it exits.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("httpapi listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
