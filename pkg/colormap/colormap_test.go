package colormap

import (
	"image/color"
	"testing"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Seurat.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 211, G: 211, B: 211, A: 255}) {
		t.Fatalf("unexpected Seurat.At(0): %#v", c0)
	}

	c1, ok := Seurat.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Seurat.At(1): %#v", c1)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"viridis", " Magma", "CATEGORICAL"} {
		if _, ok := Lookup(name); !ok {
			t.Errorf("expected %q to resolve", name)
		}
	}
	if _, ok := Lookup("jet"); ok {
		t.Errorf("expected unknown colormap to be rejected")
	}
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()

	names := Names()
	if len(names) != 6 {
		t.Fatalf("expected 6 colormaps, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func TestHex(t *testing.T) {
	t.Parallel()

	if got := Hex(Viridis.At(0)); got != "#440154" {
		t.Fatalf("unexpected viridis start: %s", got)
	}
	if got := Hex(Categorical.AtIndex(21)); got != "#ff7f0e" {
		t.Fatalf("expected categorical index to wrap, got %s", got)
	}
}
