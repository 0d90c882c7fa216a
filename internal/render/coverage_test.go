package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/soma-tiles/tileindex/internal/tileindex"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	return img
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func TestWindow(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if _, ok := Window(nil); ok {
			t.Fatal("expected no window for no tiles")
		}
	})

	t.Run("marginClamped", func(t *testing.T) {
		w, ok := Window([]tileindex.TileIndex{{X: 0, Y: 3, Z: 2}, {X: 1, Y: 3, Z: 2}})
		if !ok {
			t.Fatal("expected window")
		}
		want := tileindex.Range{Z: 2, MinX: 0, MinY: 2, MaxX: 2, MaxY: 3}
		if w != want {
			t.Fatalf("got %+v, want %+v", w, want)
		}
	})

	t.Run("otherLevelsIgnored", func(t *testing.T) {
		w, _ := Window([]tileindex.TileIndex{{X: 4, Y: 4, Z: 3}, {X: 0, Y: 0, Z: 1}})
		if w.MinX != 3 || w.MaxX != 5 {
			t.Fatalf("unexpected window %+v", w)
		}
	})
}

func TestRenderCoverage_SingleTile(t *testing.T) {
	r := NewCoverageRenderer(Config{Size: 64, DefaultColormap: "viridis"})

	data, err := r.RenderCoverage([]tileindex.TileIndex{{X: 0, Y: 0, Z: 0}}, "")
	if err != nil {
		t.Fatalf("RenderCoverage: %v", err)
	}
	img := decode(t, data)
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("unexpected size %v", b)
	}
	if got := rgbaAt(img, 32, 32); got != (color.RGBA{68, 1, 84, 255}) {
		t.Fatalf("expected viridis start at centre, got %#v", got)
	}
}

func TestRenderCoverage_OrderedFill(t *testing.T) {
	r := NewCoverageRenderer(Config{Size: 256})

	tiles := []tileindex.TileIndex{{X: 1, Y: 1, Z: 2}, {X: 2, Y: 1, Z: 2}}
	data, err := r.RenderCoverage(tiles, "viridis")
	if err != nil {
		t.Fatalf("RenderCoverage: %v", err)
	}
	img := decode(t, data)

	// Window is x 0..3, y 0..2, so cells are 64px.
	if got := rgbaAt(img, 96, 96); got != (color.RGBA{68, 1, 84, 255}) {
		t.Errorf("first tile: got %#v", got)
	}
	if got := rgbaAt(img, 160, 96); got != (color.RGBA{253, 231, 37, 255}) {
		t.Errorf("last tile: got %#v", got)
	}
	if got := rgbaAt(img, 32, 32); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("margin cell should stay blank, got %#v", got)
	}
}

func TestRenderCoverage_Empty(t *testing.T) {
	r := NewCoverageRenderer(Config{Size: 16})

	data, err := r.RenderCoverage([]tileindex.TileIndex{}, "magma")
	if err != nil {
		t.Fatalf("RenderCoverage: %v", err)
	}
	img := decode(t, data)
	if _, _, _, a := img.At(8, 8).RGBA(); a != 0 {
		t.Fatalf("expected transparent image, alpha %d", a)
	}
}

func TestRenderCoverage_UnknownColormap(t *testing.T) {
	r := NewCoverageRenderer(Config{Size: 64})

	_, err := r.RenderCoverage([]tileindex.TileIndex{{X: 0, Y: 0, Z: 0}}, "rainbow")
	if !errors.Is(err, ErrUnknownColormap) {
		t.Fatalf("expected ErrUnknownColormap, got %v", err)
	}
	if !strings.Contains(err.Error(), "viridis") {
		t.Fatalf("expected the available names in %q", err)
	}

	if _, err := r.Colormap("  MAGMA "); err != nil {
		t.Fatalf("expected case-insensitive lookup, got %v", err)
	}
	if _, err := r.Colormap(""); err != nil {
		t.Fatalf("expected default colormap for empty name, got %v", err)
	}
}
