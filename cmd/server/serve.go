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
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soma-tiles/tileindex/internal/api"
	"github.com/soma-tiles/tileindex/internal/cache"
	"github.com/soma-tiles/tileindex/internal/config"
	"github.com/soma-tiles/tileindex/internal/logger"
	"github.com/soma-tiles/tileindex/internal/metrics"
	"github.com/soma-tiles/tileindex/internal/pyramid"
	"github.com/soma-tiles/tileindex/internal/render"
	"github.com/soma-tiles/tileindex/internal/service"
	"github.com/soma-tiles/tileindex/internal/viewstore"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve tile indices for every configured dataset.

Each dataset's pyramid metadata (metadata.json or metadata.json.zst next to
its zarr store) supplies zoom bounds and extent; values in the config file
take precedence. Named views from the config are seeded into the SQLite
view store on startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config/server.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	initLogger(cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()
	log := logger.Get()

	app, err := newApp(cfg, log)
	if err != nil {
		log.Error("failed to initialize server", zap.Error(err))
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Error("server group returned an error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

// app holds the long-lived components of the server.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	cache    *cache.Manager
	views    *viewstore.Store
	registry *api.DatasetRegistry
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	// Cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		CoverageSizeMB: cfg.Cache.CoverageSizeMB,
		CoverageTTL:    time.Duration(cfg.Cache.CoverageTTLMinutes) * time.Minute,
		IndexEntries:   cfg.Cache.IndexEntries,
		ViewEntries:    cfg.Cache.ViewEntries,
		ViewTTL:        time.Duration(cfg.Cache.ViewTTLMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	views, err := viewstore.NewStore(cfg.Views.SQLitePath)
	if err != nil {
		cacheManager.Close()
		return nil, fmt.Errorf("failed to open view store: %w", err)
	}

	a := &app{cfg: cfg, log: log, cache: cacheManager, views: views}
	if err := a.registerDatasets(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) registerDatasets() error {
	renderer := render.NewCoverageRenderer(render.Config{
		Size:            a.cfg.Render.CoverageSize,
		DefaultColormap: a.cfg.Render.DefaultColormap,
	})

	datasetIDs := a.cfg.Data.DatasetIDs()
	a.registry = api.NewDatasetRegistry(a.cfg.Data.DefaultDataset, datasetIDs, a.cfg.Server.Title)
	a.log.Info("initializing datasets",
		zap.Int("count", len(datasetIDs)),
		zap.String("default", a.cfg.Data.DefaultDataset),
	)

	for _, datasetID := range datasetIDs {
		ds := a.cfg.Data.Datasets[datasetID]
		dlog := a.log.With(zap.String("dataset", datasetID))

		md, err := pyramid.Read(ds.ZarrPath)
		if err != nil {
			// Configured bounds alone are enough to compute indices.
			dlog.Warn("pyramid metadata not loaded", zap.String("zarr_path", ds.ZarrPath), zap.Error(err))
			md = nil
		} else {
			dlog.Info("pyramid loaded",
				zap.String("zarr_path", ds.ZarrPath),
				zap.Int("zoom_levels", md.ZoomLevels),
				zap.Int("n_cells", md.NCells),
			)
		}

		svc, err := a.newDatasetService(datasetID, ds, md, renderer)
		if err != nil {
			if datasetID == a.cfg.Data.DefaultDataset {
				return fmt.Errorf("default dataset %q: %w", datasetID, err)
			}
			dlog.Error("dataset skipped", zap.Error(err))
			continue
		}

		opts := svc.Options()
		dlog.Info("dataset ready",
			zap.String("kind", string(svc.Kind())),
			zap.Any("bounds", opts.Bounds),
			zap.Float64("max_identity_coordinate", opts.MaxIdentityCoordinate),
		)
		a.registry.Register(datasetID, svc)
	}
	return nil
}

func (a *app) newDatasetService(datasetID string, ds config.DatasetConfig, md *pyramid.Metadata, renderer *render.CoverageRenderer) (*service.IndexService, error) {
	svc, err := service.NewIndexService(service.IndexServiceConfig{
		DatasetID:       datasetID,
		Dataset:         ds,
		Metadata:        md,
		DefaultTileSize: a.cfg.Index.TileSize,
		MaxTiles:        a.cfg.Index.MaxTiles,
		Cache:           a.cache,
		Renderer:        renderer,
		Views:           a.views,
		Logger:          a.log,
	})
	if err != nil {
		return nil, err
	}
	if err := svc.SeedViews(ds.Views); err != nil {
		return nil, err
	}
	return svc, nil
}

// Run serves the API, and the metrics endpoint on its own port when one is
// configured, until ctx is cancelled or a listener fails.
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	router := api.NewRouter(api.RouterConfig{
		Registry:    a.registry,
		Cache:       a.cache,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Logger:      a.log,
	})

	servers := []*http.Server{{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
	if a.cfg.Metrics.Port > 0 {
		mux := chi.NewRouter()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	for _, srv := range servers {
		g.Go(func() error {
			a.log.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.log.Warn("starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

// Close releases the caches and the view store.
func (a *app) Close() {
	if a.views != nil {
		if err := a.views.Close(); err != nil {
			a.log.Error("failed to close view store", zap.Error(err))
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
}
