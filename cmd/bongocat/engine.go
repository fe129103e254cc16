package main

import (
	"sync"
	"time"
)

// TypingActivity tracks whether the user is currently typing.
type TypingActivity struct {
	Active        bool
	LastKeystroke time.Time
	IdleStart     time.Time
	SleepStart    time.Time // zero until the sleep progression has been started
}

// TelemetrySnapshot is the latest host reading. All values are >= 0.
type TelemetrySnapshot struct {
	CPU       int
	RAM       int
	CPUTemp   int
	GPUTemp   int
	SampledAt time.Time
}

// Engine is the shared state of one monitoring session.
//
// The keyboard reader, the telemetry sampler and the scheduler run concurrently;
// mu guards everything below it and is only held for the duration of a single
// read or mutation, never across I/O.
type Engine struct {
	mu sync.Mutex

	keys      KeystrokeBuffer
	activity  TypingActivity
	wpm       float64
	telemetry TelemetrySnapshot

	idleTimeout  time.Duration
	sleepTimeout time.Duration
	thresholds   Thresholds
	tempRequest  TelemetryRequest
}

// EngineConfig carries the behavior parameters the engine needs.
type EngineConfig struct {
	IdleTimeout  time.Duration
	SleepTimeout time.Duration
	Thresholds   Thresholds
	Temps        TelemetryRequest
}

// NewEngine creates the session state. now seeds the keystroke and idle clocks so
// the first tick doesn't see a huge gap.
func NewEngine(cfg EngineConfig, now time.Time) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Duration(defaultIdleSec * float64(time.Second))
	}
	if cfg.SleepTimeout <= 0 {
		cfg.SleepTimeout = defaultSleepMin * time.Minute
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Engine{
		activity: TypingActivity{
			LastKeystroke: now,
			IdleStart:     now,
		},
		idleTimeout:  cfg.IdleTimeout,
		sleepTimeout: cfg.SleepTimeout,
		thresholds:   cfg.Thresholds,
		tempRequest:  cfg.Temps,
	}
}

// OnKeystroke records a key press. It is called from the input reader and must
// stay cheap. It returns true when this keystroke started a typing session.
func (e *Engine) OnKeystroke(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.keys.Append(now)
	e.activity.LastKeystroke = now
	if e.activity.Active {
		return false
	}
	e.activity.Active = true
	e.activity.SleepStart = time.Time{}
	return true
}

// tickView is a consistent copy of what the scheduler needs for one tick.
type tickView struct {
	Activity     TypingActivity
	Recent       [wpmSampleWindow]time.Time
	RecentN      int
	IdleTimeout  time.Duration
	SleepTimeout time.Duration
	Thresholds   Thresholds
}

// view copies the tick inputs under the data lock.
func (e *Engine) view() tickView {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := tickView{
		Activity:     e.activity,
		IdleTimeout:  e.idleTimeout,
		SleepTimeout: e.sleepTimeout,
		Thresholds:   e.thresholds,
	}
	v.RecentN = e.keys.Recent(v.Recent[:])
	return v
}

// markIdle flips typing to inactive, zeroes the WPM and clears the keystroke
// buffer. It returns false if typing was already inactive or a keystroke
// arrived after the caller's view was taken.
func (e *Engine) markIdle(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.activity.Active || now.Sub(e.activity.LastKeystroke) <= e.idleTimeout {
		return false
	}
	e.activity.Active = false
	e.activity.IdleStart = now
	e.wpm = 0
	e.keys.Clear()
	return true
}

// markSleepStarted records the one-shot sleep progression start. It returns false
// if it had already been started or typing resumed.
func (e *Engine) markSleepStarted(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activity.Active || !e.activity.SleepStart.IsZero() {
		return false
	}
	e.activity.SleepStart = now
	return true
}

// SetWPM publishes the current typing speed.
func (e *Engine) SetWPM(wpm float64) {
	e.mu.Lock()
	e.wpm = wpm
	e.mu.Unlock()
}

// WPM returns the last published typing speed.
func (e *Engine) WPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wpm
}

// Activity returns a copy of the typing activity.
func (e *Engine) Activity() TypingActivity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activity
}

// KeystrokeCount returns the number of buffered keystrokes.
func (e *Engine) KeystrokeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.Len()
}

// SetTelemetry stores the latest sample.
func (e *Engine) SetTelemetry(s TelemetrySnapshot) {
	e.mu.Lock()
	e.telemetry = s
	e.mu.Unlock()
}

// Telemetry returns the latest sample.
func (e *Engine) Telemetry() TelemetrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.telemetry
}

// TelemetryRequest returns which temperatures the sampler should read.
func (e *Engine) TelemetryRequest() TelemetryRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tempRequest
}

// ApplyConfig live-updates behavior parameters.
func (e *Engine) ApplyConfig(cfg EngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.IdleTimeout > 0 {
		e.idleTimeout = cfg.IdleTimeout
	}
	if cfg.SleepTimeout > 0 {
		e.sleepTimeout = cfg.SleepTimeout
	}
	if cfg.Thresholds != (Thresholds{}) {
		e.thresholds = cfg.Thresholds
	}
	e.tempRequest = cfg.Temps
}

// Status is a coherent copy of the typing and telemetry fields.
type Status struct {
	Typing    bool
	WPM       float64
	Telemetry TelemetrySnapshot
}

// Status returns the typing and telemetry state under a single lock.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Typing:    e.activity.Active,
		WPM:       e.wpm,
		Telemetry: e.telemetry,
	}
}
