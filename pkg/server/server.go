// Package server provides the public entry point for initializing the
// gproxy gateway server.
//
// It wires the store, credential pool, upstream client, orchestrator, and
// HTTP router into one ready-to-serve unit:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gproxy/gproxy/internal/api"
	"github.com/gproxy/gproxy/internal/api/handlers"
	"github.com/gproxy/gproxy/internal/config"
	"github.com/gproxy/gproxy/internal/logrec"
	"github.com/gproxy/gproxy/internal/pool"
	"github.com/gproxy/gproxy/internal/proxy"
	"github.com/gproxy/gproxy/internal/store"
	"github.com/gproxy/gproxy/internal/telemetry"
	"github.com/gproxy/gproxy/internal/upstream"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory or PostgreSQL).
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	recorder          *logrec.Recorder
	telemetryShutdown func(context.Context) error
}

// New initializes all gateway components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	credPool := pool.New(dataStore)
	client := upstream.NewClient(cfg.Upstream.BaseURL)
	recorder := logrec.New(dataStore)

	orch := proxy.New(dataStore, credPool, client, recorder, proxy.Options{
		MaxAttempts:    cfg.Upstream.MaxAttempts,
		AttemptTimeout: cfg.Upstream.AttemptTimeout,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		DefaultModel:   cfg.DefaultModel,
		Models:         cfg.Models,
		RandomSeed:     cfg.RandomSeed,
	})
	log.Info().Str("upstream", cfg.Upstream.BaseURL).Msg("✅ Orchestrator initialized")

	h := handlers.New(dataStore, orch, credPool)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		Config:            cfg,
		Port:              cfg.Port,
		recorder:          recorder,
		telemetryShutdown: shutdown,
	}, nil
}

// Shutdown flushes the log recorder, closes the store, and shuts down
// telemetry. Call after the HTTP server has drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.recorder.Close()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	return s.telemetryShutdown(ctx)
}
