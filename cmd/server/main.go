package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"graphrag.dev/graph-chat/internal/api"
	"graphrag.dev/graph-chat/internal/config"
	"graphrag.dev/graph-chat/internal/core"
	"graphrag.dev/graph-chat/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred cleanup always happens.
func run(args []string) error {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	zerolog.SetGlobalLevel(config.AppConfig.ZerologLevel())
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		log.Debug().Msg("Service starting in DEBUG mode")
	}

	// Command line flag for graph ingestion
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	ingestDir := flags.String("ingest", "", "Load the CSV graph in this directory, embed it and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := config.AppConfig.ValidateServer(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer dbStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize LLM service
	llmService, err := core.NewLLMService(ctx, config.AppConfig.GeminiAPIKey)
	if err != nil {
		return errors.Wrap(err, "failed to initialize LLM service")
	}
	defer llmService.Close()

	graphService := core.NewGraphService(dbStore, llmService)

	// Handle graph ingestion if flag is set
	if *ingestDir != "" {
		log.Info().Str("dir", *ingestDir).Msg("Starting graph ingestion...")
		stats, err := graphService.Initialize(ctx, *ingestDir)
		if err != nil {
			return errors.Wrap(err, "graph ingestion failed")
		}
		log.Info().
			Int("nodes", stats.Nodes).
			Int("relationships", stats.Relationships).
			Int("skipped", stats.Skipped).
			Int("embedded", stats.Embedded).
			Msg("Graph ingestion complete. Exiting.")
		return nil
	}

	// Initialize RAG service
	ragService, err := core.NewRAGService(dbStore, llmService, llmService)
	if err != nil {
		return errors.Wrap(err, "failed to initialize RAG service")
	}

	// Initialize Chat service
	chatService := core.NewChatService(dbStore, ragService, graphService)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, dbStore, config.AppConfig.CSVDirectory)
	router := api.NewRouter(apiHandler, config.AppConfig.CORSOrigins)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // Answering makes two model calls
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return errors.Wrapf(err, "could not listen on %s", serverAddr)
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down server...")

	// Give in-flight answers time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}

	log.Info().Msg("Server exiting gracefully")
	return nil
}
