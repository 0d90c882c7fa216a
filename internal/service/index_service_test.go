package service

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/soma-tiles/tileindex/internal/cache"
	"github.com/soma-tiles/tileindex/internal/config"
	"github.com/soma-tiles/tileindex/internal/pyramid"
	"github.com/soma-tiles/tileindex/internal/tileindex"
	"github.com/soma-tiles/tileindex/internal/viewstore"
	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// centreCamera covers tiles 1..2 on both axes of level 2 in a 1024 extent.
var centreCamera = viewport.Camera{Zoom: 2.2, Width: 400, Height: 400, TargetX: 512, TargetY: 512}

func intPtr(v int) *int { return &v }

func newTestService(t *testing.T, ds config.DatasetConfig, maxTiles int) *IndexService {
	t.Helper()

	cm, err := cache.NewManager(cache.Config{CoverageSizeMB: 1, CoverageTTL: time.Minute, IndexEntries: 16})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = cm.Close() })

	store, err := viewstore.NewStore(filepath.Join(t.TempDir(), "views.sqlite"))
	if err != nil {
		t.Fatalf("failed to open view store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewIndexService(IndexServiceConfig{
		DatasetID: "pbmc",
		Dataset:   ds,
		MaxTiles:  maxTiles,
		Cache:     cm,
		Views:     store,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func identityDataset() config.DatasetConfig {
	return config.DatasetConfig{ZarrPath: "/unused", MaxIdentityCoordinate: 1024}
}

func TestResolveOptions(t *testing.T) {
	md := &pyramid.Metadata{
		ZoomLevels: 8,
		MinZoom:    intPtr(1),
		TileSize:   256,
		Projection: pyramid.ProjectionIdentity,
		Bounds:     pyramid.Bounds{MaxX: 300, MaxY: 200},
	}

	t.Run("metadataOnly", func(t *testing.T) {
		opts, proj, err := ResolveOptions(config.DatasetConfig{}, md, 512)
		if err != nil {
			t.Fatalf("ResolveOptions: %v", err)
		}
		if proj != pyramid.ProjectionIdentity {
			t.Errorf("unexpected projection %q", proj)
		}
		if *opts.Bounds.MinZoom != 1 || *opts.Bounds.MaxZoom != 7 {
			t.Errorf("unexpected bounds %d..%d", *opts.Bounds.MinZoom, *opts.Bounds.MaxZoom)
		}
		if opts.MaxIdentityCoordinate != 300 {
			t.Errorf("unexpected extent %g", opts.MaxIdentityCoordinate)
		}
		if opts.TileSize != 256 {
			t.Errorf("unexpected tile size %g", opts.TileSize)
		}
	})

	t.Run("configWins", func(t *testing.T) {
		ds := config.DatasetConfig{
			MinZoom:               intPtr(0),
			MaxZoom:               intPtr(3),
			MaxIdentityCoordinate: 1024,
			DisableEnumeration:    true,
		}
		opts, _, err := ResolveOptions(ds, md, 512)
		if err != nil {
			t.Fatalf("ResolveOptions: %v", err)
		}
		if *opts.Bounds.MinZoom != 0 || *opts.Bounds.MaxZoom != 3 {
			t.Errorf("unexpected bounds %d..%d", *opts.Bounds.MinZoom, *opts.Bounds.MaxZoom)
		}
		if opts.MaxIdentityCoordinate != 1024 || opts.Mode != tileindex.EnumerateNone {
			t.Errorf("unexpected options %+v", opts)
		}
	})

	t.Run("geographic", func(t *testing.T) {
		opts, proj, err := ResolveOptions(config.DatasetConfig{Projection: "geographic"}, nil, 512)
		if err != nil {
			t.Fatalf("ResolveOptions: %v", err)
		}
		if proj != pyramid.ProjectionGeographic || !opts.Geographic() {
			t.Errorf("expected geographic options, got %+v", opts)
		}
		if opts.Bounds.MinZoom != nil || opts.Bounds.MaxZoom != nil {
			t.Errorf("expected unbounded zoom, got %+v", opts.Bounds)
		}
	})

	t.Run("identityWithoutExtent", func(t *testing.T) {
		if _, _, err := ResolveOptions(config.DatasetConfig{}, nil, 512); err == nil {
			t.Fatal("expected error for identity dataset without extent")
		}
	})

	t.Run("invertedBounds", func(t *testing.T) {
		ds := config.DatasetConfig{MaxZoom: intPtr(0), MaxIdentityCoordinate: 10}
		if _, _, err := ResolveOptions(ds, md, 512); err == nil {
			t.Fatal("expected error for max_zoom below metadata min zoom")
		}
	})
}

func TestIndexService_Indices(t *testing.T) {
	svc := newTestService(t, identityDataset(), 0)

	res, err := svc.Indices(centreCamera)
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	want := []tileindex.TileIndex{{X: 1, Y: 1, Z: 2}, {X: 1, Y: 2, Z: 2}, {X: 2, Y: 1, Z: 2}, {X: 2, Y: 2, Z: 2}}
	if !reflect.DeepEqual(res.Tiles, want) {
		t.Fatalf("tiles = %v, want %v", res.Tiles, want)
	}
	if res.Z != 2 || res.Count != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Range == nil || *res.Range != (tileindex.Range{Z: 2, MinX: 1, MinY: 1, MaxX: 2, MaxY: 2}) {
		t.Fatalf("unexpected range %+v", res.Range)
	}
}

func TestIndexService_MaxZoomDownsamples(t *testing.T) {
	ds := identityDataset()
	ds.MaxZoom = intPtr(1)
	svc := newTestService(t, ds, 0)

	res, err := svc.Indices(centreCamera)
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	if res.Z != 1 || res.Count != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, tile := range res.Tiles {
		if tile.Z != 1 {
			t.Fatalf("tile %v not re-projected", tile)
		}
	}
}

func TestIndexService_DeepWideViewportDownsampled(t *testing.T) {
	ds := config.DatasetConfig{ZarrPath: "/unused", Projection: "geographic", MaxZoom: intPtr(2)}
	svc := newTestService(t, ds, 4096)

	cam := viewport.Camera{Zoom: 20, Width: viewport.MaxViewportSize, Height: viewport.MaxViewportSize}
	res, err := svc.Indices(cam)
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	if res.Z != 2 || res.Count != 4 {
		t.Fatalf("unexpected result z=%d count=%d", res.Z, res.Count)
	}

	cam.Width, cam.Height = 1e8, 1e8
	if _, err := svc.Indices(cam); !errors.Is(err, viewport.ErrInvalidCamera) {
		t.Fatalf("expected ErrInvalidCamera for an oversized viewport, got %v", err)
	}
}

func TestIndexService_TooManyTiles(t *testing.T) {
	svc := newTestService(t, identityDataset(), 3)

	if _, err := svc.Indices(centreCamera); !errors.Is(err, ErrTooManyTiles) {
		t.Fatalf("expected ErrTooManyTiles, got %v", err)
	}
	if _, err := svc.IndicesJSON(centreCamera); !errors.Is(err, ErrTooManyTiles) {
		t.Fatalf("expected ErrTooManyTiles from IndicesJSON, got %v", err)
	}
}

func TestIndexService_InvalidCamera(t *testing.T) {
	svc := newTestService(t, identityDataset(), 0)

	if _, err := svc.Indices(viewport.Camera{Zoom: 1}); !errors.Is(err, viewport.ErrInvalidCamera) {
		t.Fatalf("expected ErrInvalidCamera, got %v", err)
	}
}

func TestIndexService_BelowMinZoom(t *testing.T) {
	ds := identityDataset()
	ds.MinZoom = intPtr(6)
	svc := newTestService(t, ds, 0)

	res, err := svc.Indices(centreCamera)
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	if res.Count != 0 || res.Tiles == nil || res.Range != nil {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestIndexService_EnumerationDisabled(t *testing.T) {
	ds := identityDataset()
	ds.DisableEnumeration = true
	svc := newTestService(t, ds, 0)

	res, err := svc.Indices(centreCamera)
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	if res.Count != 0 || len(res.Tiles) != 0 {
		t.Fatalf("expected no tiles, got %+v", res)
	}
	if res.Range == nil {
		t.Fatal("expected the covered range to be reported")
	}
	if svc.Metadata().Enumeration {
		t.Fatal("metadata should report enumeration disabled")
	}
}

func TestIndexService_IndicesJSONCached(t *testing.T) {
	svc := newTestService(t, identityDataset(), 0)

	first, err := svc.IndicesJSON(centreCamera)
	if err != nil {
		t.Fatalf("IndicesJSON: %v", err)
	}
	second, err := svc.IndicesJSON(centreCamera)
	if err != nil {
		t.Fatalf("IndicesJSON: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("cached result differs: %s vs %s", first, second)
	}

	var decoded IndexResult
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Count != 4 || len(decoded.Tiles) != 4 {
		t.Fatalf("unexpected decoded result %+v", decoded)
	}
}

func TestIndexService_Coverage(t *testing.T) {
	svc := newTestService(t, identityDataset(), 0)

	data, err := svc.Coverage(centreCamera, "magma")
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Fatalf("expected PNG data")
	}
}

func TestIndexService_Views(t *testing.T) {
	svc := newTestService(t, identityDataset(), 0)

	seed := []config.ViewConfig{{Name: "overview", Camera: centreCamera}}
	if err := svc.SeedViews(seed); err != nil {
		t.Fatalf("SeedViews: %v", err)
	}

	res, err := svc.ViewIndices("overview")
	if err != nil {
		t.Fatalf("ViewIndices: %v", err)
	}
	if res.Count != 4 {
		t.Fatalf("unexpected view tiles %+v", res)
	}

	moved := centreCamera
	moved.Zoom = 0
	if _, err := svc.SaveView("overview", moved); err != nil {
		t.Fatalf("SaveView: %v", err)
	}
	// Seeding again must not clobber the edited view.
	if err := svc.SeedViews(seed); err != nil {
		t.Fatalf("SeedViews: %v", err)
	}
	v, err := svc.GetView("overview")
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	if v.Camera.Zoom != 0 {
		t.Fatalf("expected edited view to survive seeding, got zoom %g", v.Camera.Zoom)
	}

	if _, err := svc.SaveView(" ", moved); !errors.Is(err, ErrInvalidView) {
		t.Fatalf("expected ErrInvalidView, got %v", err)
	}

	views, err := svc.ListViews()
	if err != nil || len(views) != 1 {
		t.Fatalf("ListViews: %v %v", views, err)
	}
	if err := svc.DeleteView("overview"); err != nil {
		t.Fatalf("DeleteView: %v", err)
	}
	if _, err := svc.ViewIndices("overview"); !errors.Is(err, viewstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIndexService_NoViewStore(t *testing.T) {
	svc, err := NewIndexService(IndexServiceConfig{Dataset: identityDataset()})
	if err != nil {
		t.Fatalf("NewIndexService: %v", err)
	}
	if _, err := svc.ListViews(); !errors.Is(err, ErrNoViewStore) {
		t.Fatalf("expected ErrNoViewStore, got %v", err)
	}
	if svc.DatasetID() != "default" {
		t.Fatalf("unexpected dataset id %q", svc.DatasetID())
	}
}
