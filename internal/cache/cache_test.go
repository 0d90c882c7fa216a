package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/soma-tiles/tileindex/internal/viewstore"
	"github.com/soma-tiles/tileindex/pkg/viewport"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(Config{CoverageSizeMB: 1, CoverageTTL: time.Minute, IndexEntries: 2})
	if err != nil {
		t.Fatalf("failed to create cache manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestIndexKey(t *testing.T) {
	cam := viewport.Camera{Zoom: 3, Width: 800, Height: 600, TargetX: 128, TargetY: 64}

	t.Run("stable", func(t *testing.T) {
		if IndexKey("pbmc", cam) != IndexKey("pbmc", cam) {
			t.Fatal("expected identical keys for identical cameras")
		}
	})

	t.Run("datasetScoped", func(t *testing.T) {
		if IndexKey("pbmc", cam) == IndexKey("liver", cam) {
			t.Fatal("expected keys to differ across datasets")
		}
	})

	t.Run("everyFieldCounts", func(t *testing.T) {
		variants := []viewport.Camera{cam, cam, cam, cam, cam, cam, cam, cam}
		variants[0].Zoom = 3.5
		variants[1].Width = 801
		variants[2].Height = 601
		variants[3].Bearing = 90
		variants[4].Longitude = 1
		variants[5].Latitude = 1
		variants[6].TargetX = 129
		variants[7].TargetY = 65

		base := IndexKey("pbmc", cam)
		seen := map[string]bool{base: true}
		for i, v := range variants {
			k := IndexKey("pbmc", v)
			if seen[k] {
				t.Fatalf("variant %d collides: %q", i, k)
			}
			seen[k] = true
		}
	})
}

func TestCoverageKey(t *testing.T) {
	cam := viewport.Camera{Zoom: 1, Width: 100, Height: 100}
	a := CoverageKey("d", cam, "viridis", 256)
	if a == CoverageKey("d", cam, "magma", 256) {
		t.Fatal("expected colormap to change the key")
	}
	if a == CoverageKey("d", cam, "viridis", 128) {
		t.Fatal("expected size to change the key")
	}
	if a == IndexKey("d", cam) {
		t.Fatal("coverage and index keys must not share a namespace")
	}
}

func TestManager_Index(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.GetIndex("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	m.SetIndex("a", []byte("1"))
	m.SetIndex("b", []byte("2"))
	m.SetIndex("c", []byte("3"))

	if _, ok := m.GetIndex("a"); ok {
		t.Fatal("expected least recently used entry to be evicted")
	}
	if got, ok := m.GetIndex("c"); !ok || string(got) != "3" {
		t.Fatalf("unexpected entry: %q %v", got, ok)
	}
}

func TestManager_Coverage(t *testing.T) {
	m := newTestManager(t)

	png := []byte{0x89, 'P', 'N', 'G'}
	if err := m.SetCoverage("k", png); err != nil {
		t.Fatalf("SetCoverage: %v", err)
	}
	got, ok := m.GetCoverage("k")
	if !ok || !bytes.Equal(got, png) {
		t.Fatalf("unexpected entry: %v %v", got, ok)
	}
	if _, ok := m.GetCoverage("missing"); ok {
		t.Fatal("expected miss")
	}

	if err := m.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, ok := m.GetCoverage("k"); ok {
		t.Fatal("expected purge to drop coverage entries")
	}
	if m.Stats()["index_cache_len"] != 0 {
		t.Fatalf("expected purge to drop index entries, got %v", m.Stats())
	}
}

func TestManager_View(t *testing.T) {
	m := newTestManager(t)
	key := ViewKey("pbmc", "overview")

	if _, ok := m.GetView(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	v := &viewstore.View{DatasetID: "pbmc", Name: "overview", Camera: viewport.Camera{Zoom: 2, Width: 10, Height: 10}}
	m.SetView(key, v)
	got, ok := m.GetView(key)
	if !ok || got != v {
		t.Fatalf("unexpected entry: %v %v", got, ok)
	}

	m.DeleteView(key)
	if _, ok := m.GetView(key); ok {
		t.Fatal("expected deleted view to miss")
	}
	if ViewKey("pbmc", "overview") == ViewKey("liver", "overview") {
		t.Fatal("expected view keys to be dataset scoped")
	}
}
