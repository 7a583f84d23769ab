package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/api"
	"github.com/atlasmap-sc/cellniche/internal/cache"
	"github.com/atlasmap-sc/cellniche/internal/pipeline"
	"github.com/atlasmap-sc/cellniche/internal/render"
	"github.com/atlasmap-sc/cellniche/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		port         int
		maxRuns      int
		noSubmission bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve published niche results over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return a.serve(cmd.Context(), maxRuns, !noSubmission)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Listen port")
	cmd.Flags().IntVar(&maxRuns, "max-concurrent-runs", 1, "Runs executed at once for POST /api/runs")
	cmd.Flags().BoolVar(&noSubmission, "read-only", false, "Disable run submission")
	return cmd
}

func (a *app) serve(ctx context.Context, maxRuns int, submission bool) error {
	cfg := a.cfg
	logger := a.logger
	logger.Info("starting cellniche server", zap.Int("port", cfg.Server.Port))

	store, err := a.openStore()
	if err != nil {
		return err
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.OverlaySizeMB,
		ImageTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheManager.Close()

	results := service.NewResultsService(service.ResultsServiceConfig{
		Store: store,
		Cache: cacheManager,
		Renderer: render.NewRenderer(render.Config{
			Width:     cfg.Render.Width,
			Height:    cfg.Render.Height,
			PointSize: cfg.Render.PointSize,
			Heatmap:   cfg.Render.Heatmap,
		}),
		Points: pipeline.PointColumns(cfg.Data),
		Logger: logger,
	})

	var runs *api.RunManager
	if submission {
		p, err := pipeline.New(cfg, logger, store)
		if err != nil {
			return err
		}
		runs = api.NewRunManager(api.RunManagerConfig{MaxConcurrent: maxRuns}, p, store, logger)
		runs.Start()
		defer runs.Stop()
		logger.Info("run submission enabled", zap.Int("max_concurrent", maxRuns))
	}

	router := api.NewRouter(api.RouterConfig{
		Results:     results,
		Runs:        runs,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", "http://localhost"+server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
