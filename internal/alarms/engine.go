// Package alarms evaluates threshold- and pattern-based alarm conditions
// against derived lift state and emits alarm-creation requests to the
// device platform.
package alarms

import (
	"context"
	"math"

	"go.uber.org/zap"

	"liftcloud/internal/floors"
	"liftcloud/internal/motion"
	"liftcloud/internal/observability/metrics"
	"liftcloud/internal/pack"
)

// Severities used on the device platform.
const (
	SeverityWarning  = "WARNING"
	SeverityMinor    = "MINOR"
	SeverityMajor    = "MAJOR"
	SeverityCritical = "CRITICAL"
)

// Alarm types created on the device platform.
const (
	TypeDoorOpenWhileMoving = "Door Open While Moving"
	TypeDoorOpenTooLong     = "Door Open Too Long"
	TypeFloorMismatch       = "Floor Mismatch Alarm"
)

// DefaultToleranceMM is the allowed height deviation from the floor
// boundary while the door is open.
const DefaultToleranceMM = 10.0

// DefaultThresholds holds the fixed trigger levels per metric.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"temperature": 50.0,
		"humidity":    50.0,
		"x_vibe":      5.0, "y_vibe": 5.0, "z_vibe": 15.0,
		"x_jerk": 5.0, "y_jerk": 5.0, "z_jerk": 15.0,
	}
}

// vibeMetrics maps each vibration/jerk metric to its raw-sensor fallback
// field.
var vibeMetrics = []struct {
	name     string
	fallback string
}{
	{"x_vibe", "accel_x_val"},
	{"y_vibe", "accel_y_val"},
	{"z_vibe", "accel_z_val"},
	{"x_jerk", "gyro_x_val"},
	{"y_jerk", "gyro_y_val"},
	{"z_jerk", "gyro_z_val"},
}

// Request is an alarm-creation request for the device platform.
type Request struct {
	Type     string
	Severity string
	TSMillis int64
	Details  map[string]any
}

// Sink delivers alarm-creation requests to the device platform. A sink
// failure must not abort the remaining checks for the sample.
type Sink interface {
	Create(ctx context.Context, account, deviceName string, req Request) error
}

// Event is one alarm condition reported back to the ingest caller.
type Event struct {
	Code        string   `json:"code"`
	Severity    string   `json:"severity"`
	Value       *float64 `json:"value,omitempty"`
	FloorIndex  *int     `json:"fi,omitempty"`
	Position    string   `json:"pos,omitempty"`
	DeviationMM *float64 `json:"dev_mm,omitempty"`
}

// Snapshot is the derived per-sample state all checks evaluate against.
type Snapshot struct {
	Account    string
	Device     string
	Pack       pack.Pack
	Config     floors.Config
	HeightMM   float64
	FloorIndex int
	FloorLabel string
	Direction  motion.Direction
	Status     motion.Status
	DoorBit    *int // current-sample bit only, nil when absent
	TSMillis   int64
}

// Engine runs the per-sample alarm checks.
type Engine struct {
	thresholds  map[string]float64
	toleranceMM float64
	buckets     *BucketStore
	tracker     *motion.Tracker
	sink        Sink
	logger      *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithThreshold overrides a single metric threshold.
func WithThreshold(metric string, value float64) EngineOption {
	return func(e *Engine) {
		e.thresholds[metric] = value
	}
}

// WithTolerance overrides the floor-mismatch tolerance (mm).
func WithTolerance(mm float64) EngineOption {
	return func(e *Engine) {
		if mm > 0 {
			e.toleranceMM = mm
		}
	}
}

// NewEngine constructs an Engine. The tracker owns door-timer state for
// the alarm path; the bucket store owns vibration hit state.
func NewEngine(buckets *BucketStore, tracker *motion.Tracker, sink Sink, logger *zap.Logger, opts ...EngineOption) *Engine {
	if buckets == nil {
		buckets = NewBucketStore()
	}
	if tracker == nil {
		tracker = motion.NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		thresholds:  DefaultThresholds(),
		toleranceMM: DefaultToleranceMM,
		buckets:     buckets,
		tracker:     tracker,
		sink:        sink,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every check against the snapshot and returns the events
// reported to the caller. All checks run against the same snapshot; a
// failed platform call is logged and the remaining checks still run.
func (e *Engine) Evaluate(ctx context.Context, snap Snapshot) []Event {
	events := []Event{}

	events = append(events, e.checkEnvironment(ctx, snap)...)
	e.checkVibration(ctx, snap)
	if event, ok := e.checkDoorWhileMoving(ctx, snap); ok {
		events = append(events, event)
	}
	e.checkDoorTimer(ctx, snap)
	if event, ok := e.checkFloorMismatch(ctx, snap); ok {
		events = append(events, event)
	}

	e.logger.Info("alarm checks complete",
		zap.String("device", snap.Device),
		zap.Int("events", len(events)),
		zap.Int("fi", snap.FloorIndex),
		zap.String("fl", snap.FloorLabel),
		zap.String("dir", string(snap.Direction)),
		zap.String("st", string(snap.Status)),
		zap.Float64("h", math.Round(snap.HeightMM)))
	return events
}

func (e *Engine) checkEnvironment(ctx context.Context, snap Snapshot) []Event {
	var events []Event
	env := []struct {
		name      string
		fallback  string
		alarmType string
		code      string
	}{
		{"temperature", "mpu_temp_val", "Temperature Alarm", "TEMPERATURE_HIGH"},
		{"humidity", "humidity_val", "Humidity Alarm", "HUMIDITY_HIGH"},
	}
	for _, m := range env {
		value, ok := pack.GetFloatFallback(snap.Pack, m.name, m.fallback)
		if !ok {
			continue
		}
		threshold, ok := e.thresholds[m.name]
		if !ok || value <= threshold {
			continue
		}
		v := value
		events = append(events, Event{Code: m.code, Severity: SeverityWarning, Value: &v})
		e.create(ctx, snap, Request{
			Type:     m.alarmType,
			Severity: SeverityWarning,
			TSMillis: snap.TSMillis,
			Details:  map[string]any{"value": value, "threshold": threshold, "floor": snap.FloorLabel},
		})
	}
	return events
}

func (e *Engine) checkVibration(ctx context.Context, snap Snapshot) {
	for _, m := range vibeMetrics {
		value, ok := pack.GetFloatFallback(snap.Pack, m.name, m.fallback)
		if !ok {
			continue
		}
		threshold, ok := e.thresholds[m.name]
		if !ok || value <= threshold {
			continue
		}
		zone, fired := e.buckets.Record(snap.Device, m.name, snap.HeightMM)
		if !fired {
			continue
		}
		e.create(ctx, snap, Request{
			Type:     m.name + " Alarm",
			Severity: SeverityMinor,
			TSMillis: snap.TSMillis,
			Details:  map[string]any{"value": value, "threshold": threshold, "height_zone": zone},
		})
	}
}

func (e *Engine) checkDoorWhileMoving(ctx context.Context, snap Snapshot) (Event, bool) {
	if snap.Status != motion.StatusMoving || snap.DoorBit == nil || *snap.DoorBit != 1 {
		return Event{}, false
	}
	fi := snap.FloorIndex
	e.create(ctx, snap, Request{
		Type:     TypeDoorOpenWhileMoving,
		Severity: SeverityCritical,
		TSMillis: snap.TSMillis,
		Details: map[string]any{
			"fi":        fi,
			"floor":     snap.FloorLabel,
			"direction": string(snap.Direction),
			"h":         math.Round(snap.HeightMM),
		},
	})
	return Event{Code: "DOOR_OPEN_WHILE_MOVING", Severity: SeverityCritical, FloorIndex: &fi}, true
}

func (e *Engine) checkDoorTimer(ctx context.Context, snap Snapshot) {
	result := e.tracker.ProcessDoor(snap.Device, snap.DoorBit)
	if !result.LongOpenFired {
		return
	}
	e.create(ctx, snap, Request{
		Type:     TypeDoorOpenTooLong,
		Severity: SeverityMajor,
		TSMillis: snap.TSMillis,
		Details: map[string]any{
			"duration_sec": int(result.OpenFor.Seconds()),
			"floor":        snap.FloorLabel,
		},
	})
}

func (e *Engine) checkFloorMismatch(ctx context.Context, snap Snapshot) (Event, bool) {
	// Sticky door state is deliberately not used here: the mismatch is
	// only meaningful on a sample that itself reports the door open.
	if snap.DoorBit == nil || *snap.DoorBit != 1 {
		return Event{}, false
	}
	boundaries := snap.Config.Boundaries
	if snap.FloorIndex >= len(boundaries) {
		return Event{}, false
	}
	center := float64(boundaries[snap.FloorIndex])
	deviation := snap.HeightMM - center
	if math.Abs(deviation) <= e.toleranceMM {
		return Event{}, false
	}
	position := "below"
	if deviation > 0 {
		position = "above"
	}
	abs := math.Abs(deviation)
	e.create(ctx, snap, Request{
		Type:     TypeFloorMismatch,
		Severity: SeverityCritical,
		TSMillis: snap.TSMillis,
		Details: map[string]any{
			"reported_index": snap.FloorIndex,
			"height":         math.Round(snap.HeightMM),
			"deviation_mm":   math.Round(abs*10) / 10,
			"position":       position,
			"center":         center,
			"floor":          snap.FloorLabel,
		},
	})
	return Event{Code: "FLOOR_MISMATCH", Severity: SeverityCritical, Position: position, DeviationMM: &abs}, true
}

func (e *Engine) create(ctx context.Context, snap Snapshot, req Request) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Create(ctx, snap.Account, snap.Device, req); err != nil {
		metrics.IncAlarmCreated(req.Type, metrics.ResultError)
		e.logger.Error("alarm create failed",
			zap.String("device", snap.Device),
			zap.String("type", req.Type),
			zap.Error(err))
		return
	}
	metrics.IncAlarmCreated(req.Type, metrics.ResultSuccess)
	e.logger.Info("alarm created",
		zap.String("device", snap.Device),
		zap.String("type", req.Type),
		zap.String("severity", req.Severity))
}
