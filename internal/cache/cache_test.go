package cache

import (
	"testing"
	"time"
)

func TestOverlayKey(t *testing.T) {
	base := "overlay:run1/s1:ps=1.500"

	t.Run("nilFilters", func(t *testing.T) {
		got := OverlayKey("run1", "s1", nil, 1.5)
		if got != base {
			t.Fatalf("expected %q, got %q", base, got)
		}
	})

	t.Run("emptyFilters", func(t *testing.T) {
		got := OverlayKey("run1", "s1", []int{}, 1.5)
		want := base + ":none"
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("sortedFilters", func(t *testing.T) {
		key1 := OverlayKey("run1", "s1", []int{3, 1}, 1.5)
		key2 := OverlayKey("run1", "s1", []int{1, 3}, 1.5)
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
		if key1 == base || key1 == base+":none" {
			t.Fatalf("expected filtered key to differ from base, got %q", key1)
		}
	})
}

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(Config{ImageCacheSizeMB: 8, ImageTTL: time.Minute, QueryCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, ok := m.GetImage("k"); ok {
		t.Fatalf("unexpected hit on empty cache")
	}
	if err := m.SetImage("k", []byte("png")); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	if got, ok := m.GetImage("k"); !ok || string(got) != "png" {
		t.Fatalf("GetImage = %q, %v", got, ok)
	}

	m.SetQuery("a", []byte("1"))
	m.SetQuery("b", []byte("2"))
	m.SetQuery("c", []byte("3"))
	if _, ok := m.GetQuery("a"); ok {
		t.Fatalf("expected oldest query entry to be evicted")
	}
	if got, ok := m.GetQuery("c"); !ok || string(got) != "3" {
		t.Fatalf("GetQuery = %q, %v", got, ok)
	}
}
