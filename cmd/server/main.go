// Package main is the entry point for the mosaic build job server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seal-mosaic/server/internal/api"
	"github.com/seal-mosaic/server/internal/cache"
	"github.com/seal-mosaic/server/internal/config"
	"github.com/seal-mosaic/server/internal/render"
	"github.com/seal-mosaic/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.SetOutput(cfg.Logging.Writer())

	log.Printf("Starting mosaic job server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkEntries: cfg.Cache.ChunkEntries,
		ResultSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:    time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize preview renderer (shared across all datasets)
	renderer := render.NewRenderer(render.Config{
		MaxSize:  cfg.Render.MaxSize,
		Colormap: cfg.Render.Colormap,
		Channel:  cfg.Render.Channel,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		svc := service.NewMosaicService(service.MosaicServiceConfig{
			DatasetID: datasetID,
			Dataset:   ds,
			Pyramid:   cfg.Pyramid,
			Placement: cfg.Placement,
			Output:    cfg.Output,
			Cache:     cacheManager,
			Renderer:  renderer,
		})

		// Open inputs eagerly so configuration errors show up at startup;
		// a dataset that fails is retried when its first job runs.
		if err := svc.Load(ctx); err != nil {
			log.Printf("  [%s] not loaded: %v", datasetID, err)
		} else {
			log.Printf("  [%s] base shape %v", datasetID, svc.BaseShape())
		}
		registry.Register(datasetID, svc)
	}

	// Initialize job manager for mosaic builds (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up the mosaic service as job builder
	jobManager.Build = service.NewJobExecutor(registry).Execute

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
