package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"papermill/internal/api"
	"papermill/internal/config"
	"papermill/internal/convert"
	"papermill/internal/engine"
	"papermill/internal/logger"
	"papermill/internal/metrics"
	"papermill/internal/publish"
	"papermill/internal/storage"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var baseDir string

var rootCmd = &cobra.Command{
	Use:     "papermill",
	Short:   "Papermill - durable document-to-markdown conversion queue",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversion service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv(baseDir)

		if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
			cfg.NumWorkers = v
		}
		if v, _ := cmd.Flags().GetInt("port"); v > 0 {
			cfg.Port = v
		}
		if v, _ := cmd.Flags().GetFloat64("poll-interval"); v > 0 {
			cfg.PollInterval = time.Duration(v * float64(time.Second))
		}
		if v, _ := cmd.Flags().GetInt("office-concurrency"); v > 0 {
			cfg.OfficeConcurrency = int64(v)
		}

		return serve(cfg)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("papermill %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", ".", "root for data/ and temp/ directories")

	serveCmd.Flags().Int("port", 0, "listen port (default 8000)")
	serveCmd.Flags().Int("workers", 0, "number of queue workers (default 3)")
	serveCmd.Flags().Float64("poll-interval", 0, "idle poll delay in seconds (default 1.0)")
	serveCmd.Flags().Int("office-concurrency", 0, "office-suite concurrency cap (default 2)")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	log, err := logger.New(cfg.LogDir(), os.Stdout)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	log.Info("starting papermill", "version", Version, "db", cfg.DBPath())

	store, err := storage.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	marker := convert.NewMarkerConverter(cfg.MarkerBin, cfg.ConverterTimeout, log)
	bridge := convert.NewBridgeConverter(cfg.OfficeBin, marker, cfg.OfficeConcurrency, cfg.ConverterTimeout, log)
	dispatch := convert.NewDispatcher(marker, bridge)

	var publisher publish.ResultPublisher
	if cfg.S3.Configured() {
		p, err := publish.NewS3Publisher(context.Background(), cfg.S3, log)
		if err != nil {
			return fmt.Errorf("configuring publisher: %w", err)
		}
		publisher = p
		log.Info("result publishing enabled", "bucket", cfg.S3.Bucket)
	}

	service := engine.NewService(store, cfg, log, m)
	if removed, err := service.CleanupOldTasks(); err != nil {
		log.Error("retention cleanup failed", "error", err)
	} else if removed > 0 {
		log.Info("retention cleanup done", "removed", removed)
	}

	pool := engine.NewPool(store, cfg, dispatch, publisher, m, log)
	if err := pool.Start(context.Background()); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: api.NewServer(service, log, publisher != nil, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	pool.Stop()
	service.Wait()
	if err := store.Checkpoint(); err != nil {
		log.Error("wal checkpoint failed", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}
