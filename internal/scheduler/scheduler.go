// Package scheduler runs the periodic background work: the alarm
// heartbeat tick and the daily counter flush.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"liftcloud/internal/counters"
)

// Default intervals.
const (
	DefaultAlarmInterval = 30 * time.Second
	DefaultFlushInterval = 24 * time.Hour

	pollInterval    = 500 * time.Millisecond
	stopWait        = 5 * time.Second
	flushStartDelay = 3 * time.Second
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Scheduler drives the background loop on a single goroutine. Start and
// Stop are idempotent.
type Scheduler struct {
	flusher       *counters.Flusher
	tz            string
	alarmInterval time.Duration
	flushInterval time.Duration
	flushOnStart  bool
	clock         Clock
	logger        *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithAlarmInterval overrides the alarm heartbeat interval.
func WithAlarmInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.alarmInterval = d
		}
	}
}

// WithFlushInterval overrides the counter flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithFlushOnStart triggers one flush shortly after Start.
func WithFlushOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.flushOnStart = enabled
	}
}

// WithTimezone sets the fixed-offset timezone used to pick the flush
// date, e.g. "+05:30".
func WithTimezone(tz string) Option {
	return func(s *Scheduler) {
		s.tz = tz
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a Scheduler.
func New(flusher *counters.Flusher, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		flusher:       flusher,
		alarmInterval: DefaultAlarmInterval,
		flushInterval: DefaultFlushInterval,
		clock:         systemClock{},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop. A second Start while running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Info("scheduler already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.logger.Info("scheduler starting",
		zap.Duration("alarm_interval", s.alarmInterval),
		zap.Duration("flush_interval", s.flushInterval),
		zap.Bool("flush_on_start", s.flushOnStart))
	go s.run(s.stop, s.done)
}

// Stop signals the loop and waits up to five seconds for it to exit.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(stopWait):
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	now := s.clock.Now()
	nextAlarm := now.Add(s.alarmInterval)
	nextFlush := now.Add(s.flushInterval)

	if s.flushOnStart {
		select {
		case <-stop:
			return
		case <-time.After(flushStartDelay):
		}
		s.flushTick()
		nextFlush = s.clock.Now().Add(s.flushInterval)
	}

	for {
		select {
		case <-stop:
			return
		case <-time.After(pollInterval):
		}

		now = s.clock.Now()
		if !now.Before(nextAlarm) {
			s.alarmTick()
			nextAlarm = now.Add(s.alarmInterval)
		}
		if !now.Before(nextFlush) {
			s.flushTick()
			nextFlush = now.Add(s.flushInterval)
		}
	}
}

// alarmTick is a heartbeat only; alarm evaluation happens inline on the
// ingest path.
func (s *Scheduler) alarmTick() {
	s.logger.Info("alarm loop tick", zap.Duration("interval", s.alarmInterval))
}

// flushTick flushes "today so far" in the configured timezone.
func (s *Scheduler) flushTick() {
	if s.flusher == nil {
		return
	}
	date := counters.LocalDate(s.clock.Now().UnixMilli(), s.tz)
	s.logger.Info("flushing counters", zap.String("date", date))
	flushed := s.flusher.FlushDay(context.Background(), date)
	s.logger.Info("flush complete", zap.Int("devices", flushed))
}
