// Package counters maintains per-device, per-floor daily usage counters
// (door-open events and idle time) derived from enriched telemetry
// payloads, and flushes them to the device platform as daily timeseries.
package counters

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"liftcloud/internal/observability/metrics"
)

// DefaultMovementThresholdMM is the height delta below which two
// consecutive samples count as "not moving".
const DefaultMovementThresholdMM = 50.0

// unknownFloor buckets samples that never carried a floor label.
const unknownFloor = "UNKNOWN"

type deviceState struct {
	account  string
	name     string
	lastTS   int64
	floor    string
	heightMM float64 // NaN when the last sample had no height
	doorOpen *bool   // nil until a sample carries door state
}

type dayCounters struct {
	doorOpens map[string]int   // floor label -> rising edges
	idleMS    map[string]int64 // floor label -> accumulated idle millis
}

// Aggregator accumulates live counters in memory. Counters survive until
// flushed; they do not survive a process restart.
type Aggregator struct {
	thresholdMM float64
	tz          string
	logger      *zap.Logger

	mu     sync.Mutex
	states map[string]*deviceState             // device id -> last sample state
	days   map[string]map[string]*dayCounters // date -> device id -> counters
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithMovementThreshold overrides the movement threshold (mm).
func WithMovementThreshold(mm float64) AggregatorOption {
	return func(a *Aggregator) {
		if mm > 0 {
			a.thresholdMM = mm
		}
	}
}

// WithTimezone sets the fixed-offset timezone used for day bucketing,
// e.g. "+05:30". Anything unparseable means UTC.
func WithTimezone(tz string) AggregatorOption {
	return func(a *Aggregator) {
		a.tz = tz
	}
}

// NewAggregator constructs an Aggregator.
func NewAggregator(logger *zap.Logger, opts ...AggregatorOption) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		thresholdMM: DefaultMovementThresholdMM,
		logger:      logger,
		states:      make(map[string]*deviceState),
		days:        make(map[string]map[string]*dayCounters),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process feeds one enriched payload sample. Samples at or before the
// device's last seen timestamp are dropped. Door opens count on the
// closed-to-open edge; idle time accrues whenever the height moved less
// than the threshold between consecutive samples, door state ignored.
func (a *Aggregator) Process(account, deviceID, deviceName string, tsMillis int64, payload string) {
	floor, heightMM, doorOpen := parsePayload(payload)
	if floor == "" && math.IsNaN(heightMM) && doorOpen == nil {
		metrics.IncCounterSample("empty")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.states[deviceID]
	if !ok {
		state = &deviceState{heightMM: math.NaN()}
		a.states[deviceID] = state
	}
	state.account = account
	state.name = deviceName

	if tsMillis <= state.lastTS {
		metrics.IncCounterSample("dropped")
		return
	}

	date := LocalDate(tsMillis, a.tz)
	bucket := floor
	if bucket == "" {
		bucket = state.floor
	}
	if bucket == "" {
		bucket = unknownFloor
	}

	if state.doorOpen != nil && !*state.doorOpen && doorOpen != nil && *doorOpen {
		a.day(date, deviceID).doorOpens[bucket]++
		a.logger.Debug("door open edge",
			zap.String("device", deviceName),
			zap.String("floor", bucket))
	}

	if !moved(state.heightMM, heightMM, a.thresholdMM) {
		dt := tsMillis - state.lastTS
		if dt > 0 && state.lastTS > 0 {
			a.day(date, deviceID).idleMS[bucket] += dt
		}
	}

	state.lastTS = tsMillis
	state.floor = bucket
	state.heightMM = heightMM
	if doorOpen != nil {
		v := *doorOpen
		state.doorOpen = &v
	}
	metrics.IncCounterSample("processed")
}

// Snapshot returns a copy of the counters for one date, keyed by device
// id. Idle time is reported in rounded seconds.
func (a *Aggregator) Snapshot(date string) map[string]DaySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]DaySnapshot)
	for deviceID, counters := range a.days[date] {
		out[deviceID] = a.snapshotLocked(deviceID, counters)
	}
	return out
}

// DaySnapshot is one device's counters for one date.
type DaySnapshot struct {
	Account   string           `json:"-"`
	Device    string           `json:"-"`
	DoorOpens map[string]int   `json:"door_opens"`
	IdleSec   map[string]int64 `json:"idle_sec"`

	idleMS map[string]int64 // raw millis backing IdleSec, for clearFlushed
}

func (a *Aggregator) snapshotLocked(deviceID string, counters *dayCounters) DaySnapshot {
	snap := DaySnapshot{
		DoorOpens: make(map[string]int, len(counters.doorOpens)),
		IdleSec:   make(map[string]int64, len(counters.idleMS)),
		idleMS:    make(map[string]int64, len(counters.idleMS)),
	}
	if state, ok := a.states[deviceID]; ok {
		snap.Account = state.account
		snap.Device = state.name
	}
	for floor, n := range counters.doorOpens {
		snap.DoorOpens[floor] = n
	}
	for floor, ms := range counters.idleMS {
		snap.IdleSec[floor] = int64(math.Round(float64(ms) / 1000.0))
		snap.idleMS[floor] = ms
	}
	return snap
}

func (a *Aggregator) day(date, deviceID string) *dayCounters {
	devices, ok := a.days[date]
	if !ok {
		devices = make(map[string]*dayCounters)
		a.days[date] = devices
	}
	counters, ok := devices[deviceID]
	if !ok {
		counters = &dayCounters{doorOpens: make(map[string]int), idleMS: make(map[string]int64)}
		devices[deviceID] = counters
	}
	return counters
}

// clearFlushed subtracts a flushed snapshot from the live counters.
// Samples processed between the snapshot and the platform write stay in
// the maps and go out with the next flush.
func (a *Aggregator) clearFlushed(date, deviceID string, snap DaySnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	devices, ok := a.days[date]
	if !ok {
		return
	}
	counters, ok := devices[deviceID]
	if !ok {
		return
	}
	for floor, n := range snap.DoorOpens {
		counters.doorOpens[floor] -= n
		if counters.doorOpens[floor] <= 0 {
			delete(counters.doorOpens, floor)
		}
	}
	for floor, ms := range snap.idleMS {
		counters.idleMS[floor] -= ms
		if counters.idleMS[floor] <= 0 {
			delete(counters.idleMS, floor)
		}
	}
	if len(counters.doorOpens) == 0 && len(counters.idleMS) == 0 {
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(a.days, date)
		}
	}
}

func moved(prev, cur, thresholdMM float64) bool {
	if math.IsNaN(prev) || math.IsNaN(cur) {
		return false
	}
	return math.Abs(cur-prev) > thresholdMM
}

// parsePayload extracts (floor label, height mm, door open) from an
// enriched payload, which is either a JSON object or a k=v|k=v pack.
// Recognized keys: floor_label/fl, height/h, door_open/door/door_val.
func parsePayload(payload string) (floor string, heightMM float64, doorOpen *bool) {
	heightMM = math.NaN()
	if payload == "" {
		return "", heightMM, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err == nil {
		if v, ok := obj["floor_label"].(string); ok && v != "" {
			floor = v
		} else if v, ok := obj["fl"].(string); ok {
			floor = v
		}
		if v, ok := obj["height"]; ok {
			heightMM = toFloat(v)
		} else if v, ok := obj["h"]; ok {
			heightMM = toFloat(v)
		}
		if v, ok := obj["door_open"]; ok {
			doorOpen = boolPtr(truthy(v))
		} else if v, ok := obj["door"]; ok {
			f := toFloat(v)
			if !math.IsNaN(f) {
				doorOpen = boolPtr(int(f) != 0)
			}
		} else if v, ok := obj["door_val"]; ok {
			s, _ := v.(string)
			doorOpen = boolPtr(strings.ToUpper(strings.TrimSpace(s)) == "OPEN")
		}
		return floor, heightMM, doorOpen
	}

	parts := make(map[string]string)
	for _, segment := range strings.Split(payload, "|") {
		if k, v, ok := strings.Cut(segment, "="); ok {
			parts[k] = v
		}
	}

	if v := parts["floor_label"]; v != "" {
		floor = v
	} else if v, ok := parts["fl"]; ok {
		floor = v
	}
	if v, ok := parts["height"]; ok {
		heightMM = toFloatString(v)
	} else if v, ok := parts["h"]; ok {
		heightMM = toFloatString(v)
	}
	if v, ok := parts["door_open"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			doorOpen = boolPtr(n != 0)
		} else {
			s := strings.ToLower(strings.TrimSpace(v))
			doorOpen = boolPtr(s == "true" || s == "open" || s == "1")
		}
	} else if v, ok := parts["door"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			doorOpen = boolPtr(n != 0)
		}
	} else if v, ok := parts["door_val"]; ok {
		doorOpen = boolPtr(strings.ToUpper(strings.TrimSpace(v)) == "OPEN")
	}
	return floor, heightMM, doorOpen
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 0) {
			return math.NaN()
		}
		return x
	case string:
		return toFloatString(x)
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

func toFloatString(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(f, 0) {
		return math.NaN()
	}
	return f
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	default:
		return true
	}
}

func boolPtr(b bool) *bool { return &b }
