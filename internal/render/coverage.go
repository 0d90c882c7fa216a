// Package render draws tile-coverage overlays using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/fogleman/gg"

	"github.com/soma-tiles/tileindex/internal/tileindex"
	"github.com/soma-tiles/tileindex/pkg/colormap"
)

// ErrUnknownColormap is returned for colormap names that are not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

// Config contains renderer configuration.
type Config struct {
	Size            int
	DefaultColormap string
}

// CoverageRenderer renders the tiles requested for a viewport onto the
// surrounding block of the pyramid grid.
type CoverageRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

var gridColor = color.RGBA{200, 200, 200, 255}

// NewCoverageRenderer creates a new coverage renderer.
func NewCoverageRenderer(cfg Config) *CoverageRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if _, ok := colormap.Lookup(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &CoverageRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 8*1024))
			},
		},
	}
}

// Size is the edge of rendered images in pixels.
func (r *CoverageRenderer) Size() int {
	return r.config.Size
}

// Window is the block of grid cells drawn for a set of tiles: their
// bounding range grown by one tile and clamped to the level's grid.
func Window(tiles []tileindex.TileIndex) (tileindex.Range, bool) {
	if len(tiles) == 0 {
		return tileindex.Range{}, false
	}
	z := tiles[0].Z
	w := tileindex.Range{Z: z, MinX: tiles[0].X, MinY: tiles[0].Y, MaxX: tiles[0].X, MaxY: tiles[0].Y}
	for _, t := range tiles[1:] {
		if t.Z != z {
			continue
		}
		w.MinX = min(w.MinX, t.X)
		w.MinY = min(w.MinY, t.Y)
		w.MaxX = max(w.MaxX, t.X)
		w.MaxY = max(w.MaxY, t.Y)
	}
	last := 1<<uint(z) - 1
	w.MinX = max(w.MinX-1, 0)
	w.MinY = max(w.MinY-1, 0)
	w.MaxX = min(w.MaxX+1, last)
	w.MaxY = min(w.MaxY+1, last)
	return w, true
}

// Colormap resolves name, using the default colormap when name is empty.
func (r *CoverageRenderer) Colormap(name string) (colormap.Colormap, error) {
	if strings.TrimSpace(name) == "" {
		name = r.config.DefaultColormap
	}
	cmap, ok := colormap.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownColormap, name, strings.Join(colormap.Names(), ", "))
	}
	return cmap, nil
}

// RenderCoverage draws the window around tiles, filling each requested
// cell with the colormap sampled by its position in tiles. Tiles on a
// level other than the first tile's are skipped. An empty set renders the
// empty tile. Unknown colormap names fail with ErrUnknownColormap.
func (r *CoverageRenderer) RenderCoverage(tiles []tileindex.TileIndex, colormapName string) ([]byte, error) {
	cmap, err := r.Colormap(colormapName)
	if err != nil {
		return nil, err
	}

	w, ok := Window(tiles)
	if !ok {
		return r.CreateEmptyTile()
	}

	// Get context from pool
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	cols := w.MaxX - w.MinX + 1
	rows := w.MaxY - w.MinY + 1
	cell := float64(r.config.Size) / float64(max(cols, rows))

	last := float64(len(tiles) - 1)
	for i, t := range tiles {
		if t.Z != w.Z {
			continue
		}
		pos := 0.0
		if last > 0 {
			pos = float64(i) / last
		}
		dc.SetColor(cmap.At(pos))
		dc.DrawRectangle(float64(t.X-w.MinX)*cell, float64(t.Y-w.MinY)*cell, cell, cell)
		dc.Fill()
	}

	dc.SetColor(gridColor)
	dc.SetLineWidth(1)
	for c := 0; c <= cols; c++ {
		x := float64(c) * cell
		dc.DrawLine(x, 0, x, float64(rows)*cell)
	}
	for row := 0; row <= rows; row++ {
		y := float64(row) * cell
		dc.DrawLine(0, y, float64(cols)*cell, y)
	}
	dc.Stroke()

	return r.encodeContext(dc)
}

func (r *CoverageRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent image.
func (r *CoverageRenderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.Size, r.config.Size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
		img.Pix[i+1] = 255
		img.Pix[i+2] = 255
		img.Pix[i+3] = 0
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
