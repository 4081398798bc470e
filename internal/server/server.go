package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/slurmdeck/backend/internal/bridge"
	"github.com/slurmdeck/backend/internal/config"
	"github.com/slurmdeck/backend/internal/gateway"
	"github.com/slurmdeck/backend/internal/server/handlers"
	"github.com/slurmdeck/backend/internal/server/middleware"
)

type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
	registry   *bridge.Registry
	gateway    *gateway.Gateway
}

func New(cfg *config.Config) (*Server, error) {
	registry := bridge.NewRegistry(cfg.IdleTimeout)

	connector := &bridge.SSHConnector{
		KnownHostsPath: cfg.KnownHostsPath,
		RequireHostKey: cfg.RequireHostKey,
	}

	var local bridge.Connector
	if cfg.LocalShellEnabled {
		local = &bridge.LocalConnector{Root: cfg.LocalShellRoot}
	}

	gw := gateway.New(gateway.Options{
		Connector:        connector,
		Local:            local,
		Registry:         registry,
		ConnRate:         cfg.WSConnRate,
		Term:             cfg.ShellTerm,
		MaxTransferBytes: cfg.SFTPMaxBytes,
	}, log.Logger)

	s := &Server{
		cfg:      cfg,
		registry: registry,
		gateway:  gw,
	}

	s.setupRouter()

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(s.gateway))

	// Session gateway WebSocket. No request timeout middleware here:
	// the connection lives as long as the client keeps it open.
	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(s.cfg.JWTSecret))
		r.Get(s.cfg.WSPath, s.gateway.Handle)
	})

	s.router = r
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSockets.
		IdleTimeout: 60 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	log.Info().Int("sessions", s.registry.Count()).Msg("Closing live sessions")
	s.registry.Close()

	return nil
}
