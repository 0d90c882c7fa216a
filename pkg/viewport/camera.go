package viewport

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCamera is returned by Camera.Validate.
var ErrInvalidCamera = errors.New("invalid camera")

// MaxViewportSize is the largest accepted width or height in pixels.
const MaxViewportSize = 1 << 16

// Camera is the serializable state of a viewport, as stored in view
// configs and accepted by the HTTP API. Longitude/Latitude are used by
// geographic datasets, TargetX/TargetY by identity datasets.
type Camera struct {
	Zoom      float64 `json:"zoom" yaml:"zoom"`
	Width     float64 `json:"width" yaml:"width"`
	Height    float64 `json:"height" yaml:"height"`
	Bearing   float64 `json:"bearing,omitempty" yaml:"bearing"`
	Longitude float64 `json:"longitude,omitempty" yaml:"longitude"`
	Latitude  float64 `json:"latitude,omitempty" yaml:"latitude"`
	TargetX   float64 `json:"target_x,omitempty" yaml:"target_x"`
	TargetY   float64 `json:"target_y,omitempty" yaml:"target_y"`
}

// Validate rejects cameras that cannot describe a visible area.
func (c Camera) Validate() error {
	for name, v := range map[string]float64{
		"zoom":      c.Zoom,
		"width":     c.Width,
		"height":    c.Height,
		"bearing":   c.Bearing,
		"longitude": c.Longitude,
		"latitude":  c.Latitude,
		"target_x":  c.TargetX,
		"target_y":  c.TargetY,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidCamera, name)
		}
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: width and height must be positive (got %gx%g)", ErrInvalidCamera, c.Width, c.Height)
	}
	if c.Width > MaxViewportSize || c.Height > MaxViewportSize {
		return fmt.Errorf("%w: width and height must not exceed %d (got %gx%g)", ErrInvalidCamera, MaxViewportSize, c.Width, c.Height)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %g out of range", ErrInvalidCamera, c.Latitude)
	}
	return nil
}

// Viewport builds the camera's viewport for a geographic or identity map.
func (c Camera) Viewport(geographic bool) Viewport {
	if geographic {
		return WebMercator{
			Longitude: c.Longitude,
			Latitude:  c.Latitude,
			ZoomLevel: c.Zoom,
			Bearing:   c.Bearing,
			W:         c.Width,
			H:         c.Height,
		}
	}
	return Orthographic{
		TargetX:   c.TargetX,
		TargetY:   c.TargetY,
		ZoomLevel: c.Zoom,
		Bearing:   c.Bearing,
		W:         c.Width,
		H:         c.Height,
	}
}
