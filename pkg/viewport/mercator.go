package viewport

import "math"

// TileSize is the edge of a level-0 world in Web Mercator world units.
const TileSize = 512

// MaxLatitude is the latitude at which the Web Mercator square ends.
const MaxLatitude = 85.05112877980659

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// LngLatToWorld projects a geographic coordinate to world pixels at the
// given scale. The world spans [0, TileSize*scale] on both axes with y = 0
// at the northern edge, matching tile-grid rows.
func LngLatToWorld(lng, lat, scale float64) (x, y float64) {
	if lat > MaxLatitude {
		lat = MaxLatitude
	} else if lat < -MaxLatitude {
		lat = -MaxLatitude
	}
	size := TileSize * scale
	lambda := lng * degToRad
	phi := lat * degToRad
	x = size * (lambda + math.Pi) / (2 * math.Pi)
	y = size * (math.Pi - math.Log(math.Tan(math.Pi/4+phi/2))) / (2 * math.Pi)
	return x, y
}

// WorldToLngLat is the inverse of LngLatToWorld.
func WorldToLngLat(x, y, scale float64) [2]float64 {
	size := TileSize * scale
	lambda := x/size*2*math.Pi - math.Pi
	phi := 2*math.Atan(math.Exp(math.Pi-y/size*2*math.Pi)) - math.Pi/2
	return [2]float64{lambda * radToDeg, phi * radToDeg}
}
