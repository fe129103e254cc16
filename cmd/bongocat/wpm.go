package main

import (
	"math"
	"time"
)

// WPMEstimate is the most recent estimator output.
type WPMEstimate struct {
	Raw        float64
	Smoothed   float64 // clamped to [0, maxWPM]
	ComputedAt time.Time
}

// wpmEstimator turns keystroke timestamps into a smoothed words-per-minute value.
//
// Results are cached for wpmDebounce so bursts of typing don't recompute on every tick.
// This is intended to be called only by the scheduler goroutine (single-owner).
type wpmEstimator struct {
	last  WPMEstimate
	valid bool
}

// Estimate computes the WPM at now from samples (oldest first). Only the newest
// wpmSampleWindow entries are considered.
func (e *wpmEstimator) Estimate(now time.Time, samples []time.Time) float64 {
	if e.valid && now.Sub(e.last.ComputedAt) < wpmDebounce {
		return e.last.Smoothed
	}

	if len(samples) > wpmSampleWindow {
		samples = samples[len(samples)-wpmSampleWindow:]
	}
	if len(samples) < 2 {
		return e.reset(now)
	}

	span := now.Sub(samples[0]).Seconds()
	if span <= minWPMSpanSec {
		return e.reset(now)
	}

	raw := (float64(len(samples)) / charsPerWord) * (60.0 / span)

	smoothed := raw
	if e.valid && e.last.Smoothed > 0 {
		smoothed = e.last.Smoothed*wpmSmoothPrev + raw*wpmSmoothRaw
	}
	smoothed = clampFloat(smoothed, 0, maxWPM)

	e.last = WPMEstimate{Raw: raw, Smoothed: smoothed, ComputedAt: now}
	e.valid = true
	return smoothed
}

// Last returns the cached estimate.
func (e *wpmEstimator) Last() WPMEstimate { return e.last }

// Reset drops the cache so the next call recomputes from scratch.
func (e *wpmEstimator) Reset() {
	e.last = WPMEstimate{}
	e.valid = false
}

func (e *wpmEstimator) reset(now time.Time) float64 {
	e.last = WPMEstimate{ComputedAt: now}
	e.valid = true
	return 0
}

// blendWPM folds a fresh estimate into the published WPM. Large jumps are
// followed quickly, small wobbles are damped.
func blendWPM(current, next float64) float64 {
	if current == 0 {
		return next
	}
	var k float64
	switch d := math.Abs(next - current); {
	case d > 15:
		k = 0.7
	case d > 5:
		k = 0.4
	default:
		k = 0.2
	}
	return current*(1-k) + next*k
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
