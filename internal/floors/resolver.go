package floors

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AttributeSource reads device identity and server-scope attributes from
// the device platform.
type AttributeSource interface {
	DeviceIDByName(ctx context.Context, account, deviceName string) (string, error)
	ServerScopeAttributes(ctx context.Context, account, deviceID string) (map[string]any, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Resolver resolves per-device floor configuration, caching device ids
// indefinitely and floor metadata with a TTL. Fetch or parse failures
// fall back to defaults and never propagate to callers.
type Resolver struct {
	source AttributeSource
	logger *zap.Logger
	ttl    time.Duration
	clock  Clock

	mu        sync.Mutex
	deviceIDs map[string]string
	meta      map[string]metaEntry
}

type metaEntry struct {
	config    Config
	fetchedAt time.Time
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithTTL overrides the floor metadata cache TTL.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) ResolverOption {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(source AttributeSource, logger *zap.Logger, opts ...ResolverOption) (*Resolver, error) {
	if source == nil {
		return nil, errors.New("floors: nil attribute source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		source:    source,
		logger:    logger,
		ttl:       5 * time.Minute,
		clock:     systemClock{},
		deviceIDs: make(map[string]string),
		meta:      make(map[string]metaEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DeviceID resolves a device name to its platform id, cached per
// account+name with no expiry.
func (r *Resolver) DeviceID(ctx context.Context, account, deviceName string) (string, error) {
	key := account + ":" + deviceName
	r.mu.Lock()
	if id, ok := r.deviceIDs[key]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.source.DeviceIDByName(ctx, account, deviceName)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.deviceIDs[key] = id
	r.mu.Unlock()
	return id, nil
}

// Meta returns the floor configuration for a device. A cache hit within
// the TTL returns the cached config verbatim; on miss the entry is
// replaced wholesale. Any failure falls back to the default ladder.
func (r *Resolver) Meta(ctx context.Context, account, deviceName string) Config {
	key := account + ":" + deviceName
	now := r.clock.Now()

	r.mu.Lock()
	if entry, ok := r.meta[key]; ok && now.Sub(entry.fetchedAt) < r.ttl {
		r.mu.Unlock()
		return entry.config
	}
	r.mu.Unlock()

	config := r.fetch(ctx, account, deviceName).Normalize()

	r.mu.Lock()
	r.meta[key] = metaEntry{config: config, fetchedAt: now}
	r.mu.Unlock()
	return config
}

func (r *Resolver) fetch(ctx context.Context, account, deviceName string) Config {
	var config Config
	deviceID, err := r.DeviceID(ctx, account, deviceName)
	if err != nil {
		r.logger.Warn("floor meta: device lookup failed, using defaults",
			zap.String("device", deviceName), zap.String("account", account), zap.Error(err))
		return config
	}
	attrs, err := r.source.ServerScopeAttributes(ctx, account, deviceID)
	if err != nil {
		r.logger.Warn("floor meta: attribute fetch failed, using defaults",
			zap.String("device", deviceName), zap.String("account", account), zap.Error(err))
		return config
	}
	if raw, ok := attrs["floor_boundaries"].(string); ok {
		config.Boundaries = ParseBoundaries(raw)
	}
	if raw, ok := attrs["floor_labels"].(string); ok {
		config.Labels = ParseLabels(raw)
	}
	if hf, ok := parseHomeFloor(attrs["home_floor"]); ok {
		config.HomeFloor = &hf
	}
	return config
}

func parseHomeFloor(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
