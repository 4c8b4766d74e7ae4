package counters

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"liftcloud/internal/observability/metrics"
)

// Timeseries keys written on flush.
const (
	KeyDoorOpens = "daily_floor_door_opens"
	KeyIdleSec   = "daily_floor_idle_sec"
	KeySummary   = "daily_floor_summary"
)

// TimeseriesWriter pushes timeseries values for a device on the platform.
type TimeseriesWriter interface {
	WriteTimeseries(ctx context.Context, account, deviceID string, tsMillis int64, values map[string]any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Flusher pushes a day's counters to the device platform. On success
// the flushed amounts are subtracted from the live counters, so samples
// that land during the write survive for the next flush. A per-device
// write failure leaves that device's counters in place, so the next
// flush retries them.
type Flusher struct {
	agg    *Aggregator
	writer TimeseriesWriter
	clock  Clock
	logger *zap.Logger
}

// FlusherOption customizes a Flusher.
type FlusherOption func(*Flusher)

// WithFlushClock overrides the clock.
func WithFlushClock(clock Clock) FlusherOption {
	return func(f *Flusher) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// NewFlusher constructs a Flusher.
func NewFlusher(agg *Aggregator, writer TimeseriesWriter, logger *zap.Logger, opts ...FlusherOption) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flusher{agg: agg, writer: writer, clock: systemClock{}, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FlushDay writes every device's counters for the given date and
// returns how many devices were flushed.
func (f *Flusher) FlushDay(ctx context.Context, date string) int {
	snapshots := f.agg.Snapshot(date)
	if len(snapshots) == 0 {
		f.logger.Info("no devices to flush", zap.String("date", date))
		return 0
	}

	writeTS := f.clock.Now().UnixMilli() - 1
	flushed := 0
	for deviceID, snap := range snapshots {
		values, err := flushValues(date, snap)
		if err != nil {
			f.logger.Error("encode counters failed",
				zap.String("device_id", deviceID), zap.Error(err))
			continue
		}
		if err := f.writer.WriteTimeseries(ctx, snap.Account, deviceID, writeTS, values); err != nil {
			metrics.IncPlatformError("write_timeseries")
			f.logger.Error("counter flush failed",
				zap.String("device_id", deviceID),
				zap.String("device", snap.Device),
				zap.Error(err))
			continue
		}
		f.agg.clearFlushed(date, deviceID, snap)
		flushed++
	}

	result := metrics.ResultSuccess
	if flushed < len(snapshots) {
		result = metrics.ResultError
	}
	metrics.ObserveFlush(result, flushed)
	f.logger.Info("counters flushed",
		zap.String("date", date),
		zap.Int("devices", flushed),
		zap.Int("candidates", len(snapshots)))
	return flushed
}

// flushValues encodes the counter maps as compact JSON strings, matching
// how dashboards consume them.
func flushValues(date string, snap DaySnapshot) (map[string]any, error) {
	doorOpens, err := json.Marshal(snap.DoorOpens)
	if err != nil {
		return nil, err
	}
	idleSec, err := json.Marshal(snap.IdleSec)
	if err != nil {
		return nil, err
	}
	summary, err := json.Marshal(struct {
		Date      string           `json:"date"`
		DoorOpens map[string]int   `json:"door_opens"`
		IdleSec   map[string]int64 `json:"idle_sec"`
	}{date, snap.DoorOpens, snap.IdleSec})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		KeyDoorOpens: string(doorOpens),
		KeyIdleSec:   string(idleSec),
		KeySummary:   string(summary),
	}, nil
}
