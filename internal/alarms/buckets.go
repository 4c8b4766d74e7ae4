package alarms

import (
	"fmt"
	"math"
	"sync"
)

// DefaultBucketHalfWidthMM is the half-width of a vibration height zone.
const DefaultBucketHalfWidthMM = 50.0

// DefaultBucketFireCount is the hit count at which a bucket fires.
const DefaultBucketFireCount = 3

// DefaultBucketCap bounds buckets kept per device/metric. Past the cap
// the oldest bucket is discarded; first-match semantics for live zones
// are unchanged.
const DefaultBucketCap = 64

type bucket struct {
	centerMM float64
	count    int
}

// BucketStore tracks repeated threshold exceedances per device and
// metric, grouped into height zones. Safe for concurrent use.
type BucketStore struct {
	halfWidthMM float64
	fireCount   int
	cap         int

	mu      sync.Mutex
	buckets map[string]map[string][]bucket // device -> metric -> buckets
}

// BucketOption customizes a BucketStore.
type BucketOption func(*BucketStore)

// WithBucketHalfWidth overrides the zone half-width (mm).
func WithBucketHalfWidth(mm float64) BucketOption {
	return func(s *BucketStore) {
		if mm > 0 {
			s.halfWidthMM = mm
		}
	}
}

// WithBucketFireCount overrides the hit count that fires a bucket.
func WithBucketFireCount(n int) BucketOption {
	return func(s *BucketStore) {
		if n > 0 {
			s.fireCount = n
		}
	}
}

// WithBucketCap overrides the per-device/metric bucket bound.
func WithBucketCap(n int) BucketOption {
	return func(s *BucketStore) {
		if n > 0 {
			s.cap = n
		}
	}
}

// NewBucketStore constructs a BucketStore.
func NewBucketStore(opts ...BucketOption) *BucketStore {
	s := &BucketStore{
		halfWidthMM: DefaultBucketHalfWidthMM,
		fireCount:   DefaultBucketFireCount,
		cap:         DefaultBucketCap,
		buckets:     make(map[string]map[string][]bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record feeds one exceeding sample. The first existing bucket whose
// center lies within the half-width matches (first match wins, not
// nearest); a match increments the count and, at the fire count, fires
// and removes the bucket. Unmatched samples open a new bucket.
func (s *BucketStore) Record(device, metric string, heightMM float64) (zone string, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics, ok := s.buckets[device]
	if !ok {
		metrics = make(map[string][]bucket)
		s.buckets[device] = metrics
	}
	list := metrics[metric]

	for i := range list {
		if math.Abs(list[i].centerMM-heightMM) <= s.halfWidthMM {
			list[i].count++
			if list[i].count >= s.fireCount {
				zone = s.zoneLabel(list[i].centerMM)
				metrics[metric] = append(list[:i], list[i+1:]...)
				return zone, true
			}
			metrics[metric] = list
			return s.zoneLabel(list[i].centerMM), false
		}
	}

	list = append(list, bucket{centerMM: heightMM, count: 1})
	if len(list) > s.cap {
		list = list[1:]
	}
	metrics[metric] = list
	return s.zoneLabel(heightMM), false
}

func (s *BucketStore) zoneLabel(centerMM float64) string {
	return fmt.Sprintf("%.1f..%.1f mm", centerMM-s.halfWidthMM, centerMM+s.halfWidthMM)
}
