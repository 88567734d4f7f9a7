package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/codythatsme/i-migrate-sub000/internal/config"
	"github.com/codythatsme/i-migrate-sub000/internal/engine"
	"github.com/codythatsme/i-migrate-sub000/internal/handlers"
	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/middleware"
	"github.com/codythatsme/i-migrate-sub000/internal/migration"
	"github.com/codythatsme/i-migrate-sub000/internal/repository"
	"github.com/codythatsme/i-migrate-sub000/internal/routes"
	"github.com/codythatsme/i-migrate-sub000/internal/session"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	logger zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL)

	app := &application{
		config: cfg,
		db:     db,
		logger: logger,
	}

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{cfg.CORSOrigin}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	// Repositories
	jobRepo := repository.NewJobRepository(app.db)
	rowRepo := repository.NewRowRepository(app.db)
	envRepo := repository.NewEnvironmentRepository(app.db)

	// Unlocked environment passwords live here for the process lifetime.
	sessions := session.NewMemoryStore()

	// Remote entity-API client and the migration engine on top of it.
	client := imis.NewClient(sessions, imis.Config{
		Timeout:        app.config.Client.Timeout,
		InsertRetries:  app.config.Client.InsertRetries,
		InitialBackoff: app.config.Client.InitialBackoff,
	}, logger)
	migrator := engine.NewEngine(jobRepo, rowRepo, envRepo, sessions, client, engine.Config{
		FetchRetries:   app.config.Client.FetchRetries,
		InitialBackoff: app.config.Client.InitialBackoff,
	}, logger)

	// Handlers
	authHandler := handlers.NewAuthHandler(app.db, app.config, logger)
	jobHandler := handlers.NewJobHandler(jobRepo, rowRepo, migrator, logger)
	envHandler := handlers.NewEnvironmentHandler(envRepo, sessions, client, logger)
	healthHandler := handlers.NewHealthHandler(app.db)

	return routes.NewRouter(authHandler, jobHandler, envHandler, healthHandler)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server. Running migrations keep going in
	// the background until the process exits; their outcomes are already
	// durable per row.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}
