// Package engine orchestrates the derivation pipeline: it turns a raw
// device pack into calculated telemetry, feeds the live counters, and
// runs the alarm checks.
package engine

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"liftcloud/internal/alarms"
	"liftcloud/internal/counters"
	"liftcloud/internal/floors"
	"liftcloud/internal/motion"
	"liftcloud/internal/pack"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// CalcResult is the calculated-telemetry response consumed by the
// platform rule chain.
type CalcResult struct {
	PackCalc string `json:"pack_calc"`
	PackOut  string `json:"pack_out"`
	PackRaw  string `json:"pack_raw"`
	TS       int64  `json:"ts"`
}

// AlarmResult is the alarm-check response.
type AlarmResult struct {
	Status      string         `json:"status"`
	AlarmEvents []alarms.Event `json:"alarm_events"`
}

// Engine ties the derivation stages together. The calc and alarm paths
// keep independent movement state: each endpoint sees its own sample
// stream and derives motion from it.
type Engine struct {
	resolver     *floors.Resolver
	alarmEngine  *alarms.Engine
	calcTracker  *motion.Tracker
	alarmTracker *motion.Tracker
	counters     *counters.Aggregator
	clock        Clock
	logger       *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithCounters attaches the live-counter aggregator. Without it the
// calc path skips counter feeding.
func WithCounters(agg *counters.Aggregator) Option {
	return func(e *Engine) {
		e.counters = agg
	}
}

// New constructs an Engine. alarmTracker must be the same tracker the
// alarm engine owns, so door timers and motion state stay coherent.
func New(resolver *floors.Resolver, alarmEngine *alarms.Engine, calcTracker, alarmTracker *motion.Tracker, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if resolver == nil {
		return nil, errors.New("engine: nil floor resolver")
	}
	if alarmEngine == nil {
		return nil, errors.New("engine: nil alarm engine")
	}
	if calcTracker == nil {
		calcTracker = motion.NewTracker()
	}
	if alarmTracker == nil {
		alarmTracker = motion.NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		resolver:     resolver,
		alarmEngine:  alarmEngine,
		calcTracker:  calcTracker,
		alarmTracker: alarmTracker,
		clock:        systemClock{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Calculate derives floor, motion and door state for one raw pack and
// returns the calc and enriched pack strings. The enriched pack also
// feeds the live counters when the device id resolves.
func (e *Engine) Calculate(ctx context.Context, account, device, packRaw string, tsOverride *int64) CalcResult {
	parsed := pack.Parse(packRaw)
	tsMillis := e.resolveTS(parsed, tsOverride)
	tsSec := tsMillis / 1000

	config := e.resolver.Meta(ctx, account, device)
	h := floors.HeightFromPack(parsed, config.Boundaries)
	fi := floors.Index(h, config.Boundaries)
	fl := config.Label(fi)
	dir, status, _ := e.calcTracker.Derive(device, h)

	var doorBit *int
	if bit, ok := pack.DoorToBit(parsed["door_val"]); ok {
		doorBit = &bit
	}

	packCalc := buildPackCalc(tsSec, h, fi, fl, dir, status, doorBit)
	packOut := buildPackOut(packCalc, parsed, h, fl, doorBit)

	if e.counters != nil {
		if deviceID, err := e.resolver.DeviceID(ctx, account, device); err != nil {
			e.logger.Warn("counters skipped, device lookup failed",
				zap.String("device", device), zap.String("account", account), zap.Error(err))
		} else {
			e.counters.Process(account, deviceID, device, tsMillis, packOut)
		}
	}

	e.logger.Info("telemetry calculated",
		zap.String("device", device),
		zap.String("account", account),
		zap.Int("fi", fi),
		zap.String("fl", fl),
		zap.String("dir", string(dir)),
		zap.String("st", string(status)),
		zap.Float64("h", math.Round(h)))

	return CalcResult{PackCalc: packCalc, PackOut: packOut, PackRaw: packRaw, TS: tsMillis}
}

// CheckAlarms evaluates every alarm condition for one raw pack and
// returns the events reported to the caller.
func (e *Engine) CheckAlarms(ctx context.Context, account, device, packRaw string, tsOverride *int64) AlarmResult {
	parsed := pack.Parse(packRaw)
	tsMillis := e.resolveTS(parsed, tsOverride)

	config := e.resolver.Meta(ctx, account, device)
	h := floors.HeightFromPack(parsed, config.Boundaries)
	fi := floors.Index(h, config.Boundaries)
	fl := config.Label(fi)
	dir, status, _ := e.alarmTracker.Derive(device, h)

	var doorBit *int
	if bit, ok := pack.DoorToBit(parsed["door_val"]); ok {
		doorBit = &bit
	}

	events := e.alarmEngine.Evaluate(ctx, alarms.Snapshot{
		Account:    account,
		Device:     device,
		Pack:       parsed,
		Config:     config,
		HeightMM:   h,
		FloorIndex: fi,
		FloorLabel: fl,
		Direction:  dir,
		Status:     status,
		DoorBit:    doorBit,
		TSMillis:   tsMillis,
	})

	return AlarmResult{Status: "processed", AlarmEvents: events}
}

// resolveTS picks the sample timestamp in ms: explicit request value,
// else the pack's ts (epoch seconds), else now.
func (e *Engine) resolveTS(parsed pack.Pack, tsOverride *int64) int64 {
	if tsOverride != nil {
		return *tsOverride
	}
	if ms, ok := pack.TSMillis(parsed); ok {
		return ms
	}
	return e.clock.Now().UnixMilli()
}

func buildPackCalc(tsSec int64, h float64, fi int, fl string, dir motion.Direction, status motion.Status, doorBit *int) string {
	door := ""
	if doorBit != nil {
		door = strconv.Itoa(*doorBit)
	}
	parts := []string{
		"v=1",
		"ts=" + strconv.FormatInt(tsSec, 10),
		"h=" + strconv.FormatInt(int64(math.Round(h)), 10),
		"fi=" + strconv.Itoa(fi),
		"fl=" + fl,
		"dir=" + string(dir),
		"st=" + string(status),
		"door=" + door,
	}
	return strings.Join(parts, "|")
}

// rawExport lists the raw fields preserved in the enriched pack, in
// output order, with their sensor-key fallbacks.
var rawExport = []struct {
	key      string
	fallback string
}{
	{"laser_val", ""},
	{"height_raw", ""},
	{"x_vibe", "accel_x_val"},
	{"y_vibe", "accel_y_val"},
	{"z_vibe", "accel_z_val"},
	{"x_jerk", "gyro_x_val"},
	{"y_jerk", "gyro_y_val"},
	{"z_jerk", "gyro_z_val"},
	{"temperature", "mpu_temp_val"},
	{"humidity", "humidity_val"},
	{"mic", "mic_val"},
	{"door_val", ""},
}

// buildPackOut appends counter-compatibility fields and the preserved
// raw subset to the calc pack.
func buildPackOut(packCalc string, parsed pack.Pack, heightMM float64, floorLabel string, doorBit *int) string {
	parts := []string{
		packCalc,
		"floor_label=" + floorLabel,
		"height=" + strconv.FormatInt(int64(math.Round(heightMM)), 10),
	}
	if doorBit != nil {
		parts = append(parts, "door_open="+strconv.Itoa(*doorBit))
	}
	for _, field := range rawExport {
		value, ok := parsed[field.key]
		if (!ok || value == nil) && field.fallback != "" {
			value, ok = parsed[field.fallback]
		}
		if !ok || value == nil {
			continue
		}
		parts = append(parts, field.key+"="+formatValue(value))
	}
	return strings.Join(parts, "|")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
