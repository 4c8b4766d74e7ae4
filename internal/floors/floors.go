// Package floors maps raw height measurements to floor indexes and labels
// using per-device boundary configuration.
package floors

import (
	"strconv"
	"strings"

	"liftcloud/internal/pack"
)

// DefaultBoundaries is the fallback ladder used when a device has no
// usable floor_boundaries attribute (mm).
var DefaultBoundaries = []int{0, 3000, 6000, 9000, 12000, 15000, 18000}

// Config is the per-device floor configuration.
type Config struct {
	Boundaries []int
	Labels     []string
	HomeFloor  *int
}

// Normalize applies the default ladder and label rules: fewer than 2
// boundaries falls back to DefaultBoundaries, labels default to
// stringified indexes and are truncated to len(boundaries)-1.
func (c Config) Normalize() Config {
	out := c
	if len(out.Boundaries) < 2 {
		out.Boundaries = append([]int(nil), DefaultBoundaries...)
	}
	n := len(out.Boundaries) - 1
	if len(out.Labels) == 0 {
		out.Labels = make([]string, n)
		for i := range out.Labels {
			out.Labels[i] = strconv.Itoa(i)
		}
	}
	if len(out.Labels) > n {
		out.Labels = out.Labels[:n]
	}
	return out
}

// Label returns the label for a floor index, falling back to the
// stringified index when labels are short.
func (c Config) Label(index int) string {
	if index >= 0 && index < len(c.Labels) {
		return c.Labels[index]
	}
	return strconv.Itoa(index)
}

// ParseBoundaries parses a comma-separated boundaries attribute
// ("0,3000,6000"). Non-integer tokens are skipped.
func ParseBoundaries(raw string) []int {
	var out []int
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ParseLabels parses a comma-separated labels attribute ("B1,G,1,2").
func ParseLabels(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

// HeightFromPack derives the cab height in mm. Priority: explicit "h",
// else lastBoundary - laser_val (laser measures distance from the top),
// else "height_raw", else 0. The order encodes sensor preference and
// must not change.
func HeightFromPack(p pack.Pack, boundaries []int) float64 {
	if h, ok := pack.GetFloat(p, "h"); ok {
		return h
	}
	if laser, ok := pack.GetFloat(p, "laser_val"); ok && len(boundaries) > 0 {
		h := float64(boundaries[len(boundaries)-1]) - laser
		if h < 0 {
			return 0
		}
		return h
	}
	if hr, ok := pack.GetFloat(p, "height_raw"); ok {
		return hr
	}
	return 0
}

// Index returns i such that boundaries[i] <= h < boundaries[i+1],
// clamped to [0, len(boundaries)-2]. Fewer than 2 boundaries always
// yields 0.
func Index(h float64, boundaries []int) int {
	if len(boundaries) < 2 {
		return 0
	}
	if h < float64(boundaries[0]) {
		return 0
	}
	for i := 0; i < len(boundaries)-1; i++ {
		if float64(boundaries[i]) <= h && h < float64(boundaries[i+1]) {
			return i
		}
	}
	return len(boundaries) - 2
}
