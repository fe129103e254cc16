package main

import (
	"errors"
	"log/slog"
	"math"
	"time"
)

// BatchWriter sends a batch of commands to the device in a single write.
type BatchWriter interface {
	WriteBatch(cmds []Command) error
}

// DispatchState is what the dispatcher believes it last sent.
//
// It is updated as soon as a dispatch is decided, before the write happens; a failed
// write does not roll it back. The next eligible tick re-derives and resends.
type DispatchState struct {
	LastSpeedMS   int // -1 until the first dispatch
	LastState     AnimationState
	HasState      bool
	LastStreak    bool
	LastCommandAt time.Time
}

// DispatchInput is one tick's worth of animation inputs.
type DispatchInput struct {
	Now          time.Time
	WPM          float64
	State        AnimationState
	SpeedMS      int
	Streak       bool
	TypingActive bool
	Force        bool
}

// dispatchReason explains why a batch was sent (for logs and tests).
type dispatchReason struct {
	Speed, State, Streak, Force, KeepAlive bool
}

func (r dispatchReason) any() bool {
	return r.Speed || r.State || r.Streak || r.Force || r.KeepAlive
}

// Dispatcher decides when to transmit animation updates and builds the batches.
//
// This is intended to be called only by the scheduler goroutine (single-owner).
type Dispatcher struct {
	state  DispatchState
	out    BatchWriter
	logger *slog.Logger

	sent   int // batches handed to the writer
	failed int // of which the write failed
}

// NewDispatcher creates a dispatcher writing to out. out may be nil, in which case
// decisions are still tracked but nothing is transmitted.
func NewDispatcher(out BatchWriter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = discardLogger()
	}
	return &Dispatcher{
		state:  DispatchState{LastSpeedMS: -1},
		out:    out,
		logger: logger,
	}
}

// State returns the current decision bookkeeping.
func (d *Dispatcher) State() DispatchState { return d.state }

// Decide applies the trigger and rate-limit rules and, when a dispatch is due,
// updates DispatchState and returns the batch to send.
func (d *Dispatcher) Decide(in DispatchInput) ([]Command, dispatchReason, bool) {
	elapsed := in.Now.Sub(d.state.LastCommandAt)
	if d.state.LastCommandAt.IsZero() {
		elapsed = math.MaxInt64
	}

	// While typing, the keep-alive below already caps the frequency.
	if !in.Force && !in.TypingActive && elapsed < minIdleCommandInterval {
		return nil, dispatchReason{}, false
	}

	keepAlive := keepAliveIdle
	if in.TypingActive {
		keepAlive = keepAliveTyping
	}

	r := dispatchReason{
		Speed:     absInt(in.SpeedMS-d.state.LastSpeedMS) > speedChangeThresholdMS,
		State:     !d.state.HasState || in.State != d.state.LastState,
		Streak:    in.Streak != d.state.LastStreak,
		Force:     in.Force,
		KeepAlive: elapsed > keepAlive,
	}
	if !r.any() {
		return nil, r, false
	}

	prevStreak := d.state.LastStreak

	var batch []Command
	if in.WPM <= 0 {
		batch = append(batch, CmdStop{})
		if prevStreak {
			batch = append(batch, CmdStreak{On: false})
		}
		in.Streak = false
	} else {
		batch = append(batch, CmdSpeed{MS: in.SpeedMS})
		if r.Streak {
			batch = append(batch, CmdStreak{On: in.Streak})
		}
	}

	d.state = DispatchState{
		LastSpeedMS:   in.SpeedMS,
		LastState:     in.State,
		HasState:      true,
		LastStreak:    in.Streak,
		LastCommandAt: in.Now,
	}
	return batch, r, true
}

// Dispatch decides and, if due, writes the batch. It returns true when a batch was
// handed to the writer, whether or not the write succeeded.
func (d *Dispatcher) Dispatch(in DispatchInput) bool {
	batch, r, ok := d.Decide(in)
	if !ok {
		return false
	}

	if r.KeepAlive && !(r.Speed || r.State || r.Streak || r.Force) {
		d.logger.Debug("keep-alive", "state", in.State, "wpm", round1(in.WPM), "speed_ms", in.SpeedMS, "typing", in.TypingActive)
	} else {
		d.logger.Debug("animation update", "state", in.State, "streak", in.Streak, "wpm", round1(in.WPM), "speed_ms", in.SpeedMS, "forced", in.Force)
	}

	if d.out == nil {
		return true
	}
	d.sent++
	if err := d.out.WriteBatch(batch); err != nil {
		d.failed++
		if errors.Is(err, ErrNotConnected) {
			d.logger.Debug("animation batch dropped", "error", err)
		} else {
			d.logger.Warn("animation batch not delivered", "error", err, "commands", len(batch))
		}
	}
	return true
}

// Resync forgets what was sent so the next tick transmits unconditionally.
// Used after a reconnect, when the device has reset.
func (d *Dispatcher) Resync() {
	d.state = DispatchState{LastSpeedMS: -1}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
