// Solace Dialogue Plane — safety-gated conversational backend.
//
// This is the main entry point for the Solace dialogue server. It provides:
//   - Input and output safety gates (pattern + remote moderation)
//   - Crisis short-circuit with a scripted intervention
//   - Fast/deep model tier routing
//   - Incremental psychological analysis merging
//   - Per-user usage limits
//   - PostgreSQL or snapshot-backed in-memory storage

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Solace dialogue plane starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("Solace dialogue plane listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
