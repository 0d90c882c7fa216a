// Package service provides the business logic of the tile-index server.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/soma-tiles/tileindex/internal/cache"
	"github.com/soma-tiles/tileindex/internal/config"
	"github.com/soma-tiles/tileindex/internal/metrics"
	"github.com/soma-tiles/tileindex/internal/pyramid"
	"github.com/soma-tiles/tileindex/internal/render"
	"github.com/soma-tiles/tileindex/internal/tileindex"
	"github.com/soma-tiles/tileindex/internal/viewstore"
	"github.com/soma-tiles/tileindex/pkg/viewport"
)

var (
	// ErrTooManyTiles is returned when a viewport needs more tiles than the
	// configured limit.
	ErrTooManyTiles = errors.New("too many tiles")
	// ErrInvalidView is returned for views that cannot be stored.
	ErrInvalidView = errors.New("invalid view")
	// ErrNoViewStore is returned by view operations when no store is wired.
	ErrNoViewStore = errors.New("view store not configured")
)

// IndexServiceConfig contains index service configuration.
type IndexServiceConfig struct {
	DatasetID string
	Dataset   config.DatasetConfig
	// Metadata is the pyramid description; nil when the pyramid has none.
	Metadata        *pyramid.Metadata
	DefaultTileSize int
	MaxTiles        int
	Cache           *cache.Manager
	Renderer        *render.CoverageRenderer
	Views           *viewstore.Store
	Logger          *zap.Logger
}

// IndexService answers tile-index queries for one dataset.
type IndexService struct {
	datasetID  string
	projection pyramid.Projection
	opts       tileindex.Options
	maxTiles   int
	nCells     int

	cache    *cache.Manager
	renderer *render.CoverageRenderer
	views    *viewstore.Store
	log      *zap.Logger

	// Collapses concurrent renders of the same coverage image.
	inflight singleflight.Group
}

// IndexResult is the answer to one viewport query.
type IndexResult struct {
	Z     int                   `json:"z"`
	Count int                   `json:"count"`
	Range *tileindex.Range      `json:"range,omitempty"`
	Tiles []tileindex.TileIndex `json:"tiles"`
}

// MetadataResponse describes how a dataset is tiled.
type MetadataResponse struct {
	DatasetID             string             `json:"dataset_id"`
	Kind                  pyramid.Projection `json:"kind"`
	MinZoom               *int               `json:"min_zoom"`
	MaxZoom               *int               `json:"max_zoom"`
	TileSize              float64            `json:"tile_size,omitempty"`
	MaxIdentityCoordinate float64            `json:"max_identity_coordinate,omitempty"`
	Enumeration           bool               `json:"enumeration"`
	MaxTiles              int                `json:"max_tiles,omitempty"`
	NCells                int                `json:"n_cells,omitempty"`
}

// ResolveOptions merges a dataset's configuration over its pyramid
// metadata. Configured values win; md may be nil.
func ResolveOptions(ds config.DatasetConfig, md *pyramid.Metadata, defaultTileSize int) (tileindex.Options, pyramid.Projection, error) {
	projection := pyramid.ProjectionIdentity
	switch {
	case ds.Projection != "":
		projection = pyramid.Projection(ds.Projection)
	case md != nil && md.Projection != "":
		projection = md.Projection
	}

	var opts tileindex.Options
	if md != nil {
		if minZoom, maxZoom, ok := md.ZoomRange(); ok {
			opts.Bounds.MinZoom = tileindex.Level(minZoom)
			opts.Bounds.MaxZoom = tileindex.Level(maxZoom)
		}
	}
	if ds.MinZoom != nil {
		opts.Bounds.MinZoom = tileindex.Level(*ds.MinZoom)
	}
	if ds.MaxZoom != nil {
		opts.Bounds.MaxZoom = tileindex.Level(*ds.MaxZoom)
	}
	if opts.Bounds.MinZoom != nil && opts.Bounds.MaxZoom != nil && *opts.Bounds.MinZoom > *opts.Bounds.MaxZoom {
		return opts, projection, fmt.Errorf("min_zoom %d exceeds max_zoom %d", *opts.Bounds.MinZoom, *opts.Bounds.MaxZoom)
	}

	if projection == pyramid.ProjectionIdentity {
		opts.MaxIdentityCoordinate = ds.MaxIdentityCoordinate
		if opts.MaxIdentityCoordinate <= 0 && md != nil {
			opts.MaxIdentityCoordinate = md.IdentityExtent()
		}
		if opts.MaxIdentityCoordinate <= 0 {
			return opts, projection, fmt.Errorf("identity dataset needs max_identity_coordinate or pyramid bounds")
		}
	}

	switch {
	case ds.TileSize > 0:
		opts.TileSize = float64(ds.TileSize)
	case md != nil && md.TileSize > 0:
		opts.TileSize = float64(md.TileSize)
	case defaultTileSize > 0:
		opts.TileSize = float64(defaultTileSize)
	}

	if ds.DisableEnumeration {
		opts.Mode = tileindex.EnumerateNone
	}
	return opts, projection, nil
}

// NewIndexService creates a new index service.
func NewIndexService(cfg IndexServiceConfig) (*IndexService, error) {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	opts, projection, err := ResolveOptions(cfg.Dataset, cfg.Metadata, cfg.DefaultTileSize)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", datasetID, err)
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewCoverageRenderer(render.Config{})
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	nCells := 0
	if cfg.Metadata != nil {
		nCells = cfg.Metadata.NCells
	}

	return &IndexService{
		datasetID:  datasetID,
		projection: projection,
		opts:       opts,
		maxTiles:   cfg.MaxTiles,
		nCells:     nCells,
		cache:      cfg.Cache,
		renderer:   renderer,
		views:      cfg.Views,
		log:        log.With(zap.String("dataset", datasetID)),
	}, nil
}

// DatasetID returns the dataset this service answers for.
func (s *IndexService) DatasetID() string {
	return s.datasetID
}

// Kind returns the coordinate regime of the dataset.
func (s *IndexService) Kind() pyramid.Projection {
	return s.projection
}

// Options returns the resolved tile-index options.
func (s *IndexService) Options() tileindex.Options {
	return s.opts
}

// Metadata describes the resolved tiling of the dataset.
func (s *IndexService) Metadata() MetadataResponse {
	md := MetadataResponse{
		DatasetID:   s.datasetID,
		Kind:        s.projection,
		MinZoom:     s.opts.Bounds.MinZoom,
		MaxZoom:     s.opts.Bounds.MaxZoom,
		Enumeration: s.opts.Mode == tileindex.EnumerateAll,
		MaxTiles:    s.maxTiles,
		NCells:      s.nCells,
	}
	if s.opts.Geographic() {
		md.TileSize = s.opts.TileSize
		if md.TileSize == 0 {
			md.TileSize = tileindex.DefaultTileSize
		}
	} else {
		md.MaxIdentityCoordinate = s.opts.MaxIdentityCoordinate
	}
	return md
}

// Indices computes the tiles needed to draw cam.
func (s *IndexService) Indices(cam viewport.Camera) (*IndexResult, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	vp := cam.Viewport(s.opts.Geographic())
	result := &IndexResult{
		Z:     int(math.Floor(cam.Zoom)),
		Tiles: []tileindex.TileIndex{},
	}

	r, ok := tileindex.RangeOf(vp, s.opts)
	if ok {
		adjusted := r.Adjusted(s.opts.Bounds.MaxZoom)
		if s.maxTiles > 0 && adjusted.Count() > s.maxTiles {
			metrics.Computations.WithLabelValues(s.datasetID, "rejected").Inc()
			return nil, fmt.Errorf("%w: %d tiles at z=%d exceed limit %d", ErrTooManyTiles, adjusted.Count(), adjusted.Z, s.maxTiles)
		}
		result.Z = adjusted.Z
		result.Range = &adjusted
		if s.opts.Mode == tileindex.EnumerateAll {
			result.Tiles = adjusted.Tiles(nil)
		}
	}
	result.Count = len(result.Tiles)

	outcome := "tiles"
	if result.Count == 0 {
		outcome = "empty"
	}
	metrics.Computations.WithLabelValues(s.datasetID, outcome).Inc()
	metrics.ComputeDuration.WithLabelValues(s.datasetID).Observe(time.Since(start).Seconds())
	metrics.TilesPerViewport.WithLabelValues(s.datasetID).Observe(float64(result.Count))

	return result, nil
}

// IndicesJSON returns the encoded Indices result, served from the index
// cache when possible. Errors are not cached.
func (s *IndexService) IndicesJSON(cam viewport.Camera) ([]byte, error) {
	key := cache.IndexKey(s.datasetID, cam)
	if s.cache != nil {
		if data, ok := s.cache.GetIndex(key); ok {
			return data, nil
		}
	}

	result, err := s.Indices(cam)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tile indices: %w", err)
	}

	if s.cache != nil {
		s.cache.SetIndex(key, data)
	}
	return data, nil
}

// Coverage renders the tiles of cam as a PNG overlay.
func (s *IndexService) Coverage(cam viewport.Camera, colormapName string) ([]byte, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.renderer.Colormap(colormapName); err != nil {
		return nil, err
	}

	key := cache.CoverageKey(s.datasetID, cam, strings.ToLower(colormapName), s.renderer.Size())
	if s.cache != nil {
		if data, ok := s.cache.GetCoverage(key); ok {
			return data, nil
		}
	}

	v, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		result, err := s.Indices(cam)
		if err != nil {
			return nil, err
		}
		data, err := s.renderer.RenderCoverage(result.Tiles, colormapName)
		if err != nil {
			return nil, fmt.Errorf("failed to render coverage: %w", err)
		}
		if s.cache != nil {
			if err := s.cache.SetCoverage(key, data); err != nil {
				s.log.Warn("coverage not cached", zap.Error(err))
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SeedViews stores configured views that are not in the store yet.
// Views edited through the API are left alone.
func (s *IndexService) SeedViews(views []config.ViewConfig) error {
	if len(views) == 0 {
		return nil
	}
	if s.views == nil {
		return ErrNoViewStore
	}
	for _, v := range views {
		inserted, err := s.views.PutIfAbsent(s.datasetID, v.Name, v.Camera)
		if err != nil {
			return fmt.Errorf("failed to seed view %q: %w", v.Name, err)
		}
		if inserted {
			s.log.Info("seeded view", zap.String("view", v.Name))
		}
	}
	return nil
}

// SaveView creates or replaces a named view.
func (s *IndexService) SaveView(name string, cam viewport.Camera) (*viewstore.View, error) {
	if s.views == nil {
		return nil, ErrNoViewStore
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidView)
	}
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if err := s.views.Put(s.datasetID, name, cam); err != nil {
		return nil, fmt.Errorf("failed to save view %q: %w", name, err)
	}
	s.forgetView(name)
	return s.GetView(name)
}

// GetView returns a named view.
func (s *IndexService) GetView(name string) (*viewstore.View, error) {
	if s.views == nil {
		return nil, ErrNoViewStore
	}
	key := cache.ViewKey(s.datasetID, name)
	if s.cache != nil {
		if v, ok := s.cache.GetView(key); ok {
			return v, nil
		}
	}
	v, err := s.views.Get(s.datasetID, name)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetView(key, v)
	}
	return v, nil
}

func (s *IndexService) forgetView(name string) {
	if s.cache != nil {
		s.cache.DeleteView(cache.ViewKey(s.datasetID, name))
	}
}

// ListViews returns the dataset's views ordered by name.
func (s *IndexService) ListViews() ([]*viewstore.View, error) {
	if s.views == nil {
		return nil, ErrNoViewStore
	}
	return s.views.List(s.datasetID)
}

// DeleteView removes a named view.
func (s *IndexService) DeleteView(name string) error {
	if s.views == nil {
		return ErrNoViewStore
	}
	s.forgetView(name)
	return s.views.Delete(s.datasetID, name)
}

// ViewIndices computes the tiles of a named view.
func (s *IndexService) ViewIndices(name string) (*IndexResult, error) {
	v, err := s.GetView(name)
	if err != nil {
		return nil, err
	}
	return s.Indices(v.Camera)
}
