// Package viewport provides camera values that map screen pixels to world
// coordinates for geographic (Web Mercator) and planar (identity) maps.
package viewport

import (
	"math"
)

// Viewport is an immutable camera. Implementations must be safe to copy.
type Viewport interface {
	// Width and Height are the viewport size in screen pixels.
	Width() float64
	Height() float64
	// Zoom is the continuous zoom level.
	Zoom() float64
	// Scale is 2^Zoom.
	Scale() float64
	// Unproject maps a screen pixel (origin top-left, y down) to a world
	// coordinate: [lng, lat] for geographic cameras, [x, y] otherwise.
	Unproject(px, py float64) [2]float64
	// WithZoom returns a copy of the viewport with its zoom replaced.
	WithZoom(zoom float64) Viewport
}

// zoomScale returns 2^zoom, exact for integral zoom levels.
func zoomScale(zoom float64) float64 {
	if zoom == math.Trunc(zoom) && math.Abs(zoom) < 1000 {
		return math.Ldexp(1, int(zoom))
	}
	return math.Exp2(zoom)
}

// rotate turns a screen-space offset into a world-space offset for a
// camera whose bearing (degrees clockwise from north/up) is bearing.
func rotate(dx, dy, bearing float64) (float64, float64) {
	if bearing == 0 {
		return dx, dy
	}
	rad := bearing * math.Pi / 180
	sin, cos := math.Sincos(rad)
	return dx*cos - dy*sin, dx*sin + dy*cos
}

// Orthographic is a planar camera looking at (TargetX, TargetY). World
// units per screen pixel are 1/2^Zoom and world y grows downward like
// screen y.
type Orthographic struct {
	TargetX   float64
	TargetY   float64
	ZoomLevel float64
	Bearing   float64
	W         float64
	H         float64
}

var _ Viewport = Orthographic{}

func (o Orthographic) Width() float64  { return o.W }
func (o Orthographic) Height() float64 { return o.H }
func (o Orthographic) Zoom() float64   { return o.ZoomLevel }
func (o Orthographic) Scale() float64  { return zoomScale(o.ZoomLevel) }

func (o Orthographic) Unproject(px, py float64) [2]float64 {
	scale := o.Scale()
	dx, dy := rotate(px-o.W/2, py-o.H/2, o.Bearing)
	return [2]float64{o.TargetX + dx/scale, o.TargetY + dy/scale}
}

func (o Orthographic) WithZoom(zoom float64) Viewport {
	o.ZoomLevel = zoom
	return o
}

// WebMercator is a geographic camera centred on (Longitude, Latitude).
type WebMercator struct {
	Longitude float64
	Latitude  float64
	ZoomLevel float64
	Bearing   float64
	W         float64
	H         float64
}

var _ Viewport = WebMercator{}

func (m WebMercator) Width() float64  { return m.W }
func (m WebMercator) Height() float64 { return m.H }
func (m WebMercator) Zoom() float64   { return m.ZoomLevel }
func (m WebMercator) Scale() float64  { return zoomScale(m.ZoomLevel) }

// Unproject returns [lng, lat]. Longitudes outside [-180, 180] are not
// wrapped; latitudes are bounded by the projection.
func (m WebMercator) Unproject(px, py float64) [2]float64 {
	scale := m.Scale()
	cx, cy := LngLatToWorld(m.Longitude, m.Latitude, scale)
	dx, dy := rotate(px-m.W/2, py-m.H/2, m.Bearing)
	return WorldToLngLat(cx+dx, cy+dy, scale)
}

func (m WebMercator) WithZoom(zoom float64) Viewport {
	m.ZoomLevel = zoom
	return m
}
