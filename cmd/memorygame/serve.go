package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memorygame/internal/api"
	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/service"
	"github.com/memorygame/internal/storage"
	"github.com/memorygame/internal/storage/cassandra"
	"github.com/memorygame/internal/storage/sqlite"
	"github.com/memorygame/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the experiment backend",
	Long: `Serve the experiment backend over HTTP.

Storage is picked with STORAGE_DRIVER (memory, sqlite or cassandra); the
remaining environment variables are documented in internal/config.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cmd.Flags().Changed("experiment") {
		experimentFile = cfg.ExperimentFile
	}
	exp, err := loadExperiment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	svc := service.NewExperimentService(repo, exp, nil, log)
	handler := api.NewHandler(svc, log)

	// Setup router
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(10 * time.Second))
	router.Use(api.RequestIDMiddleware)
	router.Use(api.LoggingMiddleware(log))
	router.Use(api.CORSMiddleware)

	// Routes
	router.Mount("/", handler.Routes())

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting",
			logger.F("addr", cfg.Address()),
			logger.F("storage", cfg.StorageDriver),
			logger.F("sequence_dir", exp.Server.SequenceDir))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server exited")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		log.Warn("Using in-memory storage; results are lost on exit")
		return storage.NewMemoryStorage(), nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		log.Info("Opened SQLite storage", logger.F("path", cfg.SQLitePath))
		return store, nil
	case config.DriverCassandra:
		client, err := cassandra.NewClient(cfg.Cassandra, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Cassandra client: %w", err)
		}
		return cassandra.NewRepository(client, log, cfg.Cassandra.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
