// Package tileindex maps a camera viewport to the tiles of a quadtree
// pyramid that must be fetched to cover it.
//
// Everything here is pure: no state is shared between calls, so the
// functions are safe to call from concurrent request handlers.
package tileindex

import (
	"fmt"
	"math"

	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// DefaultTileSize is the tile edge in world pixels for geographic pyramids.
const DefaultTileSize = 512

// MaxGridZoom is the deepest level for which a grid is enumerated. Finer
// viewports yield no tiles.
const MaxGridZoom = 30

// TileIndex identifies one tile; at level Z, X and Y lie in [0, 2^Z).
type TileIndex struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (t TileIndex) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// ZoomBounds restricts the levels tiles are requested for. A nil bound is
// unbounded; zero is a real bound.
type ZoomBounds struct {
	MinZoom *int `json:"min_zoom,omitempty"`
	MaxZoom *int `json:"max_zoom,omitempty"`
}

// Level returns a pointer to z, for building ZoomBounds literals.
func Level(z int) *int {
	return &z
}

// Mode selects whether Indices enumerates the covered range.
type Mode int

const (
	// EnumerateAll returns every tile of the covered range.
	EnumerateAll Mode = iota
	// EnumerateNone computes the range but returns no tiles. It keeps the
	// behaviour of viewers whose identity-coordinate pyramids are not
	// tiled yet.
	EnumerateNone
)

// Options configures a tile-index computation.
type Options struct {
	Bounds ZoomBounds
	// MaxIdentityCoordinate, when positive, selects planar identity
	// coordinates spanning [0, MaxIdentityCoordinate] on both axes.
	// Zero selects geographic Web Mercator coordinates.
	MaxIdentityCoordinate float64
	// TileSize in screen pixels for geographic pyramids. Zero means
	// DefaultTileSize. Sizes other than 512 shift the pyramid level by
	// log2(512/TileSize), rounded.
	TileSize float64
	Mode     Mode
}

// Geographic reports whether the options select longitude/latitude.
func (o Options) Geographic() bool {
	return !(o.MaxIdentityCoordinate > 0)
}

func (o Options) tileSize() float64 {
	if o.TileSize > 0 {
		return o.TileSize
	}
	return DefaultTileSize
}

// levelOffset is the number of levels between a geographic viewport's zoom
// and the pyramid level whose tiles are TileSize pixels on screen: 256-pixel
// tiles sit one level deeper than the zoom, 1024-pixel tiles one shallower.
// Identity pyramids are indexed by zoom directly.
func (o Options) levelOffset() int {
	if !o.Geographic() {
		return 0
	}
	return int(math.Round(math.Log2(DefaultTileSize / o.tileSize())))
}

// Range is the inclusive block of tiles covering a viewport at level Z.
type Range struct {
	Z    int `json:"z"`
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// Count is the number of level-Z tiles in the range.
func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Adjusted returns the block of maxZoom ancestors of r when r is deeper
// than maxZoom, and r otherwise. Its Count is the number of tiles Tiles
// emits.
func (r Range) Adjusted(maxZoom *int) Range {
	if maxZoom == nil || r.Z <= *maxZoom {
		return r
	}
	lo := AdjustedTileIndex(TileIndex{X: r.MinX, Y: r.MinY, Z: r.Z}, *maxZoom)
	hi := AdjustedTileIndex(TileIndex{X: r.MaxX, Y: r.MaxY, Z: r.Z}, *maxZoom)
	return Range{Z: *maxZoom, MinX: lo.X, MinY: lo.Y, MaxX: hi.X, MaxY: hi.Y}
}

// MaxEnumeratedTiles bounds the number of tiles Tiles will list. Larger
// blocks yield no tiles; callers inspect the Range instead.
const MaxEnumeratedTiles = 1 << 20

// Tiles enumerates the range, x outer and y inner. When maxZoom is set and
// below Z, the block of maxZoom ancestors is enumerated instead: every
// ancestor of a contiguous block has a child in it, so each parent appears
// exactly once.
func (r Range) Tiles(maxZoom *int) []TileIndex {
	r = r.Adjusted(maxZoom)
	n := r.Count()
	if n <= 0 || n > MaxEnumeratedTiles {
		return []TileIndex{}
	}
	tiles := make([]TileIndex, 0, n)
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, TileIndex{X: x, Y: y, Z: r.Z})
		}
	}
	return tiles
}

// RangeOf computes the block of tiles covering vp. It returns false when
// nothing is renderable: the zoom is negative, the pyramid level is below
// MinZoom or above MaxGridZoom, or the visible box does not intersect the
// grid.
func RangeOf(vp viewport.Viewport, opts Options) (Range, bool) {
	zf := math.Floor(vp.Zoom())
	if math.IsNaN(zf) || zf < 0 || zf > MaxGridZoom {
		return Range{}, false
	}
	z := max(int(zf)+opts.levelOffset(), 0)
	if z > MaxGridZoom {
		return Range{}, false
	}
	if opts.Bounds.MinZoom != nil && z < *opts.Bounds.MinZoom {
		return Range{}, false
	}

	// Unproject depends on zoom, so bounds are taken at the integer zoom.
	vp = vp.WithZoom(zf)
	geographic := opts.Geographic()
	bbox := BoundingBoxOf(vp, geographic)
	if bbox.Empty() {
		return Range{}, false
	}

	n := math.Ldexp(1, z)
	var minX, minY, maxX, maxY float64
	if geographic {
		// Normalized to the unit world; tile rows grow southward, so the
		// top edge comes from maxLat.
		x0, y0 := viewport.LngLatToWorld(bbox[0], bbox[3], 1)
		x1, y1 := viewport.LngLatToWorld(bbox[2], bbox[1], 1)
		minX, minY = math.Floor(x0/viewport.TileSize*n), math.Floor(y0/viewport.TileSize*n)
		maxX, maxY = math.Floor(x1/viewport.TileSize*n), math.Floor(y1/viewport.TileSize*n)
	} else {
		extent := opts.MaxIdentityCoordinate
		minX, minY = math.Floor(bbox[0]/extent*n), math.Floor(bbox[1]/extent*n)
		maxX, maxY = math.Floor(bbox[2]/extent*n), math.Floor(bbox[3]/extent*n)
	}

	last := n - 1
	for _, v := range [4]float64{minX, minY, maxX, maxY} {
		if !finite(v) {
			return Range{}, false
		}
	}
	if minX > maxX || minY > maxY || minX > last || minY > last || maxX < 0 || maxY < 0 {
		return Range{}, false
	}

	return Range{
		Z:    z,
		MinX: int(math.Max(minX, 0)),
		MinY: int(math.Max(minY, 0)),
		MaxX: int(math.Min(maxX, last)),
		MaxY: int(math.Min(maxY, last)),
	}, true
}

// Indices returns the tiles needed to draw vp. The result is never nil and
// must be treated as a set by consumers.
func Indices(vp viewport.Viewport, opts Options) []TileIndex {
	r, ok := RangeOf(vp, opts)
	if !ok || opts.Mode == EnumerateNone {
		return []TileIndex{}
	}
	return r.Tiles(opts.Bounds.MaxZoom)
}

// AdjustedTileIndex maps t to its ancestor at adjustedZ, dividing x and y
// by 2^(t.Z-adjustedZ) and flooring. A level deeper than t.Z returns t.
func AdjustedTileIndex(t TileIndex, adjustedZ int) TileIndex {
	if adjustedZ >= t.Z {
		return t
	}
	shift := uint(t.Z - adjustedZ)
	return TileIndex{
		X: t.X >> shift,
		Y: t.Y >> shift,
		Z: adjustedZ,
	}
}
