package floors

import (
	"testing"

	"liftcloud/internal/pack"
)

func TestIndexLowerInclusiveUpperExclusive(t *testing.T) {
	boundaries := []int{0, 3000, 6000}
	if got := Index(3000, boundaries); got != 1 {
		t.Fatalf("expected index 1 at exact boundary, got %d", got)
	}
	if got := Index(2999.9, boundaries); got != 0 {
		t.Fatalf("expected index 0 just below boundary, got %d", got)
	}
}

func TestIndexClamped(t *testing.T) {
	boundaries := []int{0, 3000, 6000, 9000}
	if got := Index(-500, boundaries); got != 0 {
		t.Fatalf("expected below-range clamp to 0, got %d", got)
	}
	if got := Index(9000, boundaries); got != 2 {
		t.Fatalf("expected at-top clamp to last valid index, got %d", got)
	}
	if got := Index(50000, boundaries); got != 2 {
		t.Fatalf("expected above-range clamp to last valid index, got %d", got)
	}
	if got := Index(1234, []int{5}); got != 0 {
		t.Fatalf("expected single boundary to yield 0, got %d", got)
	}
	if got := Index(1234, nil); got != 0 {
		t.Fatalf("expected no boundaries to yield 0, got %d", got)
	}
}

func TestIndexMonotonic(t *testing.T) {
	boundaries := []int{0, 3000, 6000, 9000, 12000}
	prev := -1
	for h := -1000.0; h <= 15000; h += 250 {
		got := Index(h, boundaries)
		if got < prev {
			t.Fatalf("index not monotonic at h=%v: %d after %d", h, got, prev)
		}
		if got < 0 || got > len(boundaries)-2 {
			t.Fatalf("index out of range at h=%v: %d", h, got)
		}
		prev = got
	}
}

func TestHeightFromPackPriority(t *testing.T) {
	boundaries := []int{0, 3000, 6000}
	if h := HeightFromPack(pack.Parse("h=4025|laser_val=100|height_raw=9"), boundaries); h != 4025 {
		t.Fatalf("expected explicit h to win, got %v", h)
	}
	if h := HeightFromPack(pack.Parse("laser_val=1000|height_raw=9"), boundaries); h != 5000 {
		t.Fatalf("expected lastBoundary-laser, got %v", h)
	}
	if h := HeightFromPack(pack.Parse("laser_val=9000"), boundaries); h != 0 {
		t.Fatalf("expected laser height floored at 0, got %v", h)
	}
	if h := HeightFromPack(pack.Parse("height_raw=777"), boundaries); h != 777 {
		t.Fatalf("expected height_raw fallback, got %v", h)
	}
	if h := HeightFromPack(pack.Parse("x_vibe=1"), boundaries); h != 0 {
		t.Fatalf("expected zero fallback, got %v", h)
	}
	// laser fallback needs boundaries to convert from.
	if h := HeightFromPack(pack.Parse("laser_val=1000|height_raw=9"), nil); h != 9 {
		t.Fatalf("expected height_raw when no boundaries, got %v", h)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	c := Config{Boundaries: []int{100}}.Normalize()
	if len(c.Boundaries) != len(DefaultBoundaries) {
		t.Fatalf("expected default ladder, got %v", c.Boundaries)
	}
	if len(c.Labels) != len(DefaultBoundaries)-1 {
		t.Fatalf("expected %d default labels, got %v", len(DefaultBoundaries)-1, c.Labels)
	}
	if c.Labels[0] != "0" || c.Labels[5] != "5" {
		t.Fatalf("expected stringified index labels, got %v", c.Labels)
	}
}

func TestNormalizeTruncatesLabels(t *testing.T) {
	c := Config{
		Boundaries: []int{0, 3000, 6000},
		Labels:     []string{"G", "1", "2", "3"},
	}.Normalize()
	if len(c.Labels) != 2 {
		t.Fatalf("expected labels truncated to 2, got %v", c.Labels)
	}
}

func TestLabelFallback(t *testing.T) {
	c := Config{Boundaries: []int{0, 3000, 6000, 9000}, Labels: []string{"G"}}.Normalize()
	if got := c.Label(0); got != "G" {
		t.Fatalf("expected G, got %q", got)
	}
	if got := c.Label(2); got != "2" {
		t.Fatalf("expected stringified fallback, got %q", got)
	}
}

func TestParseBoundaries(t *testing.T) {
	got := ParseBoundaries(" 0, 3000,abc, -200 ,6000,")
	want := []int{0, 3000, -200, 6000}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
