package tileindex

import (
	"math"

	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// BoundingBox is [minX, minY, maxX, maxY] in world coordinates
// ([minLng, minLat, maxLng, maxLat] for geographic viewports).
type BoundingBox [4]float64

// Empty reports whether the box is inverted or has non-finite edges.
func (b BoundingBox) Empty() bool {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return b[0] > b[2] || b[1] > b[3]
}

// Bounds reduces the four unprojected viewport corners to a box.
type Bounds interface {
	Reduce(corners [4][2]float64) BoundingBox
}

// GeographicBounds reduces [lng, lat] corners. The reduction is seeded
// with the far side of the valid domain, so a viewport that yields no
// usable corner produces the inverted box [180, 90, -180, -90].
type GeographicBounds struct{}

func (GeographicBounds) Reduce(corners [4][2]float64) BoundingBox {
	box := BoundingBox{180, 90, -180, -90}
	for _, p := range corners {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
			continue
		}
		if p[0] < box[0] {
			box[0] = p[0]
		}
		if p[1] < box[1] {
			box[1] = p[1]
		}
		if p[0] > box[2] {
			box[2] = p[0]
		}
		if p[1] > box[3] {
			box[3] = p[1]
		}
	}
	return box
}

// PlanarBounds reduces identity-coordinate corners with a plain per-axis
// min/max. Without a finite corner the box is [+Inf, +Inf, -Inf, -Inf].
type PlanarBounds struct{}

func (PlanarBounds) Reduce(corners [4][2]float64) BoundingBox {
	box := BoundingBox{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, p := range corners {
		if !finite(p[0]) || !finite(p[1]) {
			continue
		}
		box[0] = math.Min(box[0], p[0])
		box[1] = math.Min(box[1], p[1])
		box[2] = math.Max(box[2], p[0])
		box[3] = math.Max(box[3], p[1])
	}
	return box
}

// BoundsFor selects the reduction for a coordinate regime.
func BoundsFor(isGeographic bool) Bounds {
	if isGeographic {
		return GeographicBounds{}
	}
	return PlanarBounds{}
}

// Corners unprojects the viewport's four screen corners in the order
// top-left, top-right, bottom-left, bottom-right.
func Corners(vp viewport.Viewport) [4][2]float64 {
	w, h := vp.Width(), vp.Height()
	return [4][2]float64{
		vp.Unproject(0, 0),
		vp.Unproject(w, 0),
		vp.Unproject(0, h),
		vp.Unproject(w, h),
	}
}

// BoundingBoxOf returns the axis-aligned box of the world area visible
// through vp.
func BoundingBoxOf(vp viewport.Viewport, isGeographic bool) BoundingBox {
	return BoundsFor(isGeographic).Reduce(Corners(vp))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
