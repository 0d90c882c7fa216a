// Package pyramid reads the metadata of a preprocessed tile pyramid.
package pyramid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Projection names the coordinate regime of a pyramid.
type Projection string

const (
	// ProjectionIdentity is a planar embedding (UMAP, t-SNE, spatial pixels).
	ProjectionIdentity Projection = "identity"
	// ProjectionGeographic is Web Mercator longitude/latitude.
	ProjectionGeographic Projection = "geographic"
)

// Metadata is the pyramid description written by the preprocessor.
type Metadata struct {
	DatasetName string     `json:"dataset_name"`
	NCells      int        `json:"n_cells"`
	ZoomLevels  int        `json:"zoom_levels"`
	MinZoom     *int       `json:"min_zoom,omitempty"`
	TileSize    int        `json:"tile_size"`
	Projection  Projection `json:"projection,omitempty"`
	Bounds      Bounds     `json:"bounds"`
	// MaxIdentityCoordinate is the edge of the square identity extent.
	// When absent it is derived from Bounds.
	MaxIdentityCoordinate float64 `json:"max_identity_coordinate,omitempty"`

	CoordinateSystems       []CoordinateSystem `json:"coordinate_systems,omitempty"`
	DefaultCoordinateSystem string             `json:"default_coordinate_system,omitempty"`

	// Levels lists the zoom_<n> directories found next to the metadata.
	Levels []int `json:"-"`
}

// CoordinateSystem names one embedding of a dataset and where its pyramid lives.
type CoordinateSystem struct {
	Key      string `json:"key"`
	ZarrPath string `json:"zarr_path"`
}

// Bounds is the data extent in identity coordinates.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

const (
	metadataFile    = "metadata.json"
	metadataZstFile = "metadata.json.zst"
	levelDirPrefix  = "zoom_"
)

// Read loads the metadata of the pyramid stored at storePath. The metadata
// file is looked up in the store's parent directory (where the preprocessor
// writes it) and then in the store itself; a zstd-compressed
// metadata.json.zst is accepted in either place.
func Read(storePath string) (*Metadata, error) {
	data, err := readMetadataFile(storePath)
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	if md.Projection == "" {
		md.Projection = ProjectionIdentity
	}
	if md.Projection != ProjectionIdentity && md.Projection != ProjectionGeographic {
		return nil, fmt.Errorf("unknown projection %q", md.Projection)
	}

	md.Levels, err = scanLevels(storePath)
	if err != nil {
		return nil, err
	}
	if md.ZoomLevels == 0 && len(md.Levels) > 0 {
		md.ZoomLevels = md.Levels[len(md.Levels)-1] + 1
	}
	return &md, nil
}

func readMetadataFile(storePath string) ([]byte, error) {
	dirs := []string{filepath.Join(storePath, ".."), storePath}
	for _, dir := range dirs {
		plain := filepath.Join(dir, metadataFile)
		if data, err := os.ReadFile(plain); err == nil {
			return data, nil
		}

		compressed := filepath.Join(dir, metadataZstFile)
		raw, err := os.ReadFile(compressed)
		if err != nil {
			continue
		}
		return decompress(raw)
	}
	return nil, fmt.Errorf("failed to read %s for %s: not found", metadataFile, storePath)
}

func decompress(raw []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	data, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return data, nil
}

// scanLevels returns the sorted zoom levels that have a zoom_<n> directory.
func scanLevels(storePath string) ([]int, error) {
	entries, err := os.ReadDir(storePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", storePath, err)
	}

	var levels []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), levelDirPrefix) {
			continue
		}
		z, err := strconv.Atoi(strings.TrimPrefix(e.Name(), levelDirPrefix))
		if err != nil || z < 0 {
			continue
		}
		levels = append(levels, z)
	}
	sort.Ints(levels)
	return levels, nil
}

// ZoomRange returns the lowest and highest renderable levels. MinZoom in the
// metadata wins over the lowest level directory; the highest level is
// ZoomLevels-1. ok is false when the pyramid declares no levels.
func (m *Metadata) ZoomRange() (minZoom, maxZoom int, ok bool) {
	if m.ZoomLevels <= 0 {
		return 0, 0, false
	}
	maxZoom = m.ZoomLevels - 1
	switch {
	case m.MinZoom != nil:
		minZoom = *m.MinZoom
	case len(m.Levels) > 0:
		minZoom = m.Levels[0]
	}
	if minZoom > maxZoom {
		minZoom = maxZoom
	}
	return minZoom, maxZoom, true
}

// IdentityExtent returns the edge of the identity coordinate square, or 0
// for geographic pyramids and pyramids without usable bounds.
func (m *Metadata) IdentityExtent() float64 {
	if m.Projection == ProjectionGeographic {
		return 0
	}
	if m.MaxIdentityCoordinate > 0 {
		return m.MaxIdentityCoordinate
	}
	extent := m.Bounds.MaxX
	if m.Bounds.MaxY > extent {
		extent = m.Bounds.MaxY
	}
	if extent <= 0 {
		return 0
	}
	return extent
}
