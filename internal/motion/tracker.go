// Package motion derives per-device movement state from successive
// height samples and tracks door-open duration.
package motion

import (
	"sync"
	"time"
)

// Direction of cab travel.
type Direction string

// Status of cab movement.
type Status string

const (
	DirectionUp   Direction = "U"
	DirectionDown Direction = "D"
	DirectionIdle Direction = "S"

	StatusMoving Status = "M"
	StatusIdle   Status = "I"
)

// DefaultDeadbandMM suppresses sensor jitter from registering as motion.
const DefaultDeadbandMM = 20.0

// DefaultLongOpen is the door-open duration that trips the long-open alarm.
const DefaultLongOpen = 15 * time.Second

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type motionState struct {
	prevHeight float64
	lastUpdate time.Time
}

type doorState struct {
	isOpen    bool
	openSince time.Time // zero while closed
	fired     bool      // long-open alarm already raised for this open span
}

// DoorResult reports the outcome of a door-timer step.
type DoorResult struct {
	Bit           int // effective 0/1 bit after sticky resolution
	LongOpenFired bool
	OpenFor       time.Duration
}

// Tracker holds per-device motion and door state. Safe for concurrent use.
type Tracker struct {
	deadbandMM float64
	longOpen   time.Duration
	clock      Clock

	mu     sync.Mutex
	motion map[string]*motionState
	doors  map[string]*doorState
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithDeadband overrides the movement deadband (mm).
func WithDeadband(mm float64) Option {
	return func(t *Tracker) {
		if mm > 0 {
			t.deadbandMM = mm
		}
	}
}

// WithLongOpen overrides the long-open door threshold.
func WithLongOpen(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.longOpen = d
		}
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker constructs a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		deadbandMM: DefaultDeadbandMM,
		longOpen:   DefaultLongOpen,
		clock:      systemClock{},
		motion:     make(map[string]*motionState),
		doors:      make(map[string]*doorState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Derive updates motion state with a new height sample and returns the
// derived direction, status and velocity (mm since the previous sample).
// The first sample for a device records a baseline and reports idle.
// State updates unconditionally, last-write-wins.
func (t *Tracker) Derive(device string, height float64) (Direction, Status, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.motion[device]
	if !ok {
		t.motion[device] = &motionState{prevHeight: height, lastUpdate: t.clock.Now()}
		return DirectionIdle, StatusIdle, 0
	}

	velocity := height - state.prevHeight
	state.prevHeight = height
	state.lastUpdate = t.clock.Now()

	switch {
	case velocity > t.deadbandMM:
		return DirectionUp, StatusMoving, velocity
	case velocity < -t.deadbandMM:
		return DirectionDown, StatusMoving, velocity
	default:
		return DirectionIdle, StatusIdle, velocity
	}
}

// ProcessDoor advances the door timer. A nil bit is sticky (last known
// state wins). While open, openSince is recorded on the rising edge; once
// the open duration reaches the long-open threshold the result reports a
// fired alarm exactly once per open span. Closing clears the timer and
// re-arms the alarm.
func (t *Tracker) ProcessDoor(device string, bit *int) DoorResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.doors[device]
	if !ok {
		state = &doorState{}
		t.doors[device] = state
	}

	effective := 0
	if bit == nil {
		if state.isOpen {
			effective = 1
		}
	} else {
		effective = *bit
		state.isOpen = *bit == 1
	}

	result := DoorResult{Bit: effective}
	now := t.clock.Now()

	if effective == 1 {
		if state.openSince.IsZero() {
			state.openSince = now
			return result
		}
		open := now.Sub(state.openSince)
		result.OpenFor = open
		if open >= t.longOpen && !state.fired {
			result.LongOpenFired = true
			state.fired = true
		}
		return result
	}

	state.openSince = time.Time{}
	state.fired = false
	return result
}
