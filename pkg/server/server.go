// Package server provides the public entry point for initializing the
// Solace dialogue plane server.
//
// This package exists in pkg/ (not internal/) so a hosting shell can
// import it and compose the full server with its own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/internal/analysis"
	"github.com/solacehealth/solace/internal/api"
	"github.com/solacehealth/solace/internal/api/handlers"
	"github.com/solacehealth/solace/internal/config"
	"github.com/solacehealth/solace/internal/generation"
	"github.com/solacehealth/solace/internal/orchestrator"
	"github.com/solacehealth/solace/internal/retention"
	"github.com/solacehealth/solace/internal/safety"
	"github.com/solacehealth/solace/internal/store"
	"github.com/solacehealth/solace/internal/telemetry"
)

// Server holds the initialized dialogue plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL when DATABASE_URL is set,
	// in-memory with disk snapshots otherwise).
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all dialogue plane components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the dialogue plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Safety gates
	patterns := safety.NewPatternClassifier()
	moderation := safety.NewModerationClient(safety.ModerationConfig{
		Endpoint: cfg.Moderation.Endpoint,
		APIKey:   cfg.Moderation.APIKey,
		Model:    cfg.Moderation.Model,
		Timeout:  cfg.Moderation.Timeout,
	})
	remote := safety.NewRemoteClassifier(moderation, cfg.Moderation.Timeout)
	inputGate := safety.NewInputGate(patterns, remote)
	outputGate := safety.NewOutputGate(patterns)

	// Generation
	generator := generation.NewClient(generation.Config{
		Endpoint:  cfg.Generation.Endpoint,
		APIKey:    cfg.Generation.APIKey,
		FastModel: cfg.Generation.FastModel,
		DeepModel: cfg.Generation.DeepModel,
		MaxTokens: cfg.Generation.MaxTokens,
		Timeout:   cfg.Generation.Timeout,
	})

	orch := orchestrator.New(orchestrator.Config{
		UsageLimit:             cfg.Dialogue.UsageLimit,
		UsagePeriod:            cfg.Dialogue.UsagePeriod,
		RecentWindow:           cfg.Dialogue.RecentWindow,
		DisplayConfidenceFloor: orchestrator.DefaultConfig().DisplayConfidenceFloor,
	}, dataStore, inputGate, outputGate, generator, analysis.NewMerger())

	h := handlers.New(dataStore, orch, cfg.Dialogue.UsageLimit)
	router := api.NewRouter(cfg, h)

	if cfg.Retention.Enabled {
		janitor := retention.NewJanitor(dataStore, cfg.Retention.Interval, cfg.Retention.MaxAge)
		go janitor.Start(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		// NewPostgresStore pings and migrates before returning.
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("PostgreSQL store initialized")
		return pg, nil
	}

	mem := store.NewMemoryStore(cfg.Database.DataDir)
	log.Info().Str("data_dir", cfg.Database.DataDir).Msg("In-memory store initialized")
	return mem, nil
}
