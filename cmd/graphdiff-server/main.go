package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systemshift/graphdiff/internal/config"
	"github.com/systemshift/graphdiff/internal/schema"
	"github.com/systemshift/graphdiff/internal/server/api"
	"github.com/systemshift/graphdiff/internal/server/graph"
	"github.com/systemshift/graphdiff/internal/version"
)

func main() {
	// Parse command line flags
	cfgFile := flag.String("config", "", "config file (default .graphdiff.yaml)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.BuildInfo())
		os.Exit(0)
	}

	if err := run(*cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "graphdiff-server: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	if err := config.Init(cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := schema.Open(cfg.Schema.Path)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	if cfg.Schema.Watch {
		go func() {
			if err := registry.Watch(ctx, cfg.Schema.Path, logger); err != nil {
				logger.Error("schema watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	repo, err := graph.Open(ctx, cfg.Store(registry, logger))
	if err != nil {
		return fmt.Errorf("opening change store: %w", err)
	}
	defer repo.Close(context.Background())

	apiServer := api.New(repo, registry, cfg.DefaultBranch, logger)

	// Setup HTTP router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Routes
	apiServer.Mount(r)
	r.Handle("/metrics", promhttp.Handler())

	// HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting graphdiff server",
			slog.String("addr", srv.Addr),
			slog.String("backend", cfg.Backend),
			slog.String("version", version.Version()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
