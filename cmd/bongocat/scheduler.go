package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ============================================================================
// Scheduler - the fixed-rate loop that drives the device
// ============================================================================
//
// Every tick the scheduler:
//   - detects the typing -> idle transition and stops the animation
//   - while idle, keeps the device fed until the sleep progression is started
//   - while typing, turns keystrokes into WPM -> state/speed/streak -> dispatch
//   - pushes STATS and TIME on their own cadences
//   - drains the device configuration queue, one line per spacing interval
//
// The scheduler is the single owner of the animation state, the WPM estimator
// and the dispatcher; the only shared state it touches is the Engine (under its
// data lock) and the link (under the transport lock).
// ============================================================================

// deviceLink is the part of Link the scheduler needs.
type deviceLink interface {
	BatchWriter
	State() ConnectionState
	Generation() uint64
}

// Scheduler owns per-tick animation decisions.
type Scheduler struct {
	engine     *Engine
	link       deviceLink
	dispatcher *Dispatcher
	sink       StatusSink
	logger     *slog.Logger

	interval time.Duration

	estimator wpmEstimator
	anim      AnimationState
	current   float64 // published WPM after the adaptive blend
	typing    bool    // last typing state reported to the sink

	display      DisplayConfig
	sleepMinutes int

	lastGen    uint64
	lastStats  time.Time
	lastTime   time.Time
	pending    []Command // device configuration lines awaiting transmission
	lastPushAt time.Time
}

// NewScheduler creates a scheduler for cfg. sink may be nil.
func NewScheduler(engine *Engine, link deviceLink, cfg Config, sink StatusSink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = discardLogger()
	}
	if sink == nil {
		sink = multiSink(nil)
	}
	return &Scheduler{
		engine:       engine,
		link:         link,
		dispatcher:   NewDispatcher(link, logger.With("component", "dispatcher")),
		sink:         sink,
		logger:       logger,
		interval:     cfg.UpdateInterval(),
		anim:         StateIdle,
		display:      cfg.Display,
		sleepMinutes: cfg.Behavior.SleepTimeoutMin,
	}
}

// Run ticks until ctx is canceled. configs delivers live configuration changes and
// pushConfig requests a device configuration push; either may be nil.
func (s *Scheduler) Run(ctx context.Context, configs <-chan ConfigChange, pushConfig <-chan struct{}) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopping (context canceled)")
			return nil

		case now := <-ticker.C:
			s.tick(now)

		case change, ok := <-configs:
			if !ok {
				configs = nil
				continue
			}
			if iv := s.applyConfig(change.New); iv != s.interval {
				s.interval = iv
				ticker.Reset(iv)
				s.logger.Info("scheduler interval changed", "interval", iv)
			}

		case <-pushConfig:
			s.queueConfigPush()
		}
	}
}

// tick runs one scheduler step at now.
func (s *Scheduler) tick(now time.Time) {
	connected := s.link.State() == Connected

	// A generation is only consumed once the link reports it connected, so a
	// tick that lands mid-connect still resyncs on the next one.
	if gen := s.link.Generation(); connected && gen != s.lastGen {
		s.lastGen = gen
		s.onConnected(now)
	}

	v := s.engine.view()
	switch {
	case v.Activity.Active && now.Sub(v.Activity.LastKeystroke) > v.IdleTimeout:
		s.enterIdle(now)

	case !v.Activity.Active:
		s.idleStep(now, v)

	default:
		s.typingStep(now, v)
	}

	if connected {
		s.periodic(now)
		s.drainConfigPush(now)
	}
}

// onConnected runs once per successful (re)connection.
func (s *Scheduler) onConnected(now time.Time) {
	s.logger.Debug("device link up, resyncing", "generation", s.lastGen)
	s.dispatcher.Resync()
	s.sendTime(now)
	s.sendStats(now)
	s.queueConfigPush()
}

func (s *Scheduler) enterIdle(now time.Time) {
	if !s.engine.markIdle(now) {
		// A keystroke raced in after the view was taken.
		return
	}
	s.estimator.Reset()
	s.current = 0
	s.anim = StateIdle
	s.reportTyping(false, 0)

	s.dispatcher.Dispatch(DispatchInput{
		Now:     now,
		WPM:     0,
		State:   StateIdle,
		SpeedMS: SpeedForWPM(0),
		Force:   true,
	})
}

// idleStep keeps the idle device stopped until the sleep progression starts, then
// hands control to the device (any STOP would interrupt its sleep animation).
func (s *Scheduler) idleStep(now time.Time, v tickView) {
	if !v.Activity.SleepStart.IsZero() {
		return
	}

	if now.Sub(v.Activity.IdleStart) >= v.SleepTimeout {
		if s.engine.markSleepStarted(now) {
			s.logger.Info("starting sleep progression", "idle_for", now.Sub(v.Activity.IdleStart).Round(time.Second))
			if err := s.link.WriteBatch([]Command{CmdIdleStart{}}); err != nil {
				s.logWriteErr("IDLE_START not delivered", err)
			}
		}
		return
	}

	s.dispatcher.Dispatch(DispatchInput{
		Now:     now,
		WPM:     0,
		State:   StateIdle,
		SpeedMS: SpeedForWPM(0),
	})
}

func (s *Scheduler) typingStep(now time.Time, v tickView) {
	est := s.estimator.Estimate(now, v.Recent[:v.RecentN])
	s.current = blendWPM(s.current, est)
	if s.current < 0.5 {
		s.current = 0
	}
	s.engine.SetWPM(s.current)

	if !s.typing {
		s.reportTyping(true, s.current)
	}

	th := v.Thresholds
	s.anim = NextState(s.anim, s.current, th)

	s.dispatcher.Dispatch(DispatchInput{
		Now:          now,
		WPM:          s.current,
		State:        s.anim,
		SpeedMS:      SpeedForWPM(s.current),
		Streak:       IsStreak(s.current, th),
		TypingActive: true,
	})
}

func (s *Scheduler) reportTyping(active bool, wpm float64) {
	s.typing = active
	s.sink.TypingChanged(active, wpm)
}

func (s *Scheduler) periodic(now time.Time) {
	if now.Sub(s.lastStats) >= statsInterval {
		s.sendStats(now)
	}
	if now.Sub(s.lastTime) >= timeSyncInterval {
		s.sendTime(now)
	}
}

func (s *Scheduler) sendStats(now time.Time) {
	s.lastStats = now
	snap := s.engine.Telemetry()
	wpm := int(s.current)
	cmd := CmdStats{CPU: snap.CPU, RAM: snap.RAM, CPUTemp: snap.CPUTemp, GPUTemp: snap.GPUTemp, WPM: wpm}
	if err := s.link.WriteBatch([]Command{cmd}); err != nil {
		s.logWriteErr("STATS not delivered", err)
		return
	}
	s.sink.StatsPublished(snap, wpm)
}

func (s *Scheduler) sendTime(now time.Time) {
	s.lastTime = now
	if err := s.link.WriteBatch([]Command{CmdTime{At: now}}); err != nil {
		s.logWriteErr("TIME not delivered", err)
	}
}

// queueConfigPush schedules the display settings for transmission. A push already
// in progress is restarted with the current settings.
func (s *Scheduler) queueConfigPush() {
	s.pending = deviceConfigCommands(s.display, s.sleepMinutes)
	s.logger.Debug("device config push queued", "commands", len(s.pending))
}

func (s *Scheduler) drainConfigPush(now time.Time) {
	if len(s.pending) == 0 || now.Sub(s.lastPushAt) < configPushSpacing {
		return
	}
	cmd := s.pending[0]
	s.pending = s.pending[1:]
	s.lastPushAt = now
	if err := s.link.WriteBatch([]Command{cmd}); err != nil {
		s.logWriteErr("config line not delivered", err, "line", cmd.String())
	}
	if len(s.pending) == 0 {
		s.logger.Info("device configuration pushed")
	}
}

// applyConfig takes live settings from a reload and returns the new tick interval.
func (s *Scheduler) applyConfig(cfg Config) time.Duration {
	s.engine.ApplyConfig(cfg.ToEngineConfig())

	if cfg.Display != s.display || cfg.Behavior.SleepTimeoutMin != s.sleepMinutes {
		s.display = cfg.Display
		s.sleepMinutes = cfg.Behavior.SleepTimeoutMin
		if s.link.State() == Connected {
			s.queueConfigPush()
		}
	}
	return cfg.UpdateInterval()
}

func (s *Scheduler) logWriteErr(msg string, err error, args ...any) {
	args = append(args, "error", err)
	if errors.Is(err, ErrNotConnected) {
		s.logger.Debug(msg, args...)
		return
	}
	s.logger.Warn(msg, args...)
}
