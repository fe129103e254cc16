package main

import "fmt"

// AnimationState is the coarse typing animation shown by the device.
type AnimationState int

const (
	StateIdle AnimationState = iota
	StateSlow
	StateNormal
	StateFast
)

func (s AnimationState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSlow:
		return "SLOW"
	case StateNormal:
		return "NORMAL"
	case StateFast:
		return "FAST"
	default:
		return fmt.Sprintf("AnimationState(%d)", int(s))
	}
}

// Thresholds holds the WPM boundaries between animation states.
type Thresholds struct {
	Slow   float64 // SLOW below this
	Normal float64 // FAST at or above this
	Fast   float64 // streak at or above this
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Slow: defaultSlowWPM, Normal: defaultNormalWPM, Fast: defaultFastWPM}
}

// NextState applies the hysteretic transition table. Leaving a state needs a
// crossing stateHysteresis past the boundary that entering it needed.
//
// It is a pure function; s must be one of the four defined states.
func NextState(s AnimationState, wpm float64, th Thresholds) AnimationState {
	const h = stateHysteresis

	switch s {
	case StateIdle:
		if wpm < idleEnterWPM {
			return StateIdle
		}
		return classify(wpm, th)

	case StateSlow:
		if wpm < idleExitWPM {
			return StateIdle
		}
		if wpm >= th.Slow+h {
			if wpm < th.Normal {
				return StateNormal
			}
			return StateFast
		}
		return StateSlow

	case StateNormal:
		if wpm < th.Slow-h {
			if wpm >= idleExitWPM {
				return StateSlow
			}
			return StateIdle
		}
		if wpm >= th.Normal+h {
			return StateFast
		}
		return StateNormal

	case StateFast:
		if wpm < th.Normal-h {
			if wpm >= th.Slow {
				return StateNormal
			}
			if wpm >= idleExitWPM {
				return StateSlow
			}
			return StateIdle
		}
		return StateFast

	default:
		panic(fmt.Sprintf("animation: unknown state %d", int(s)))
	}
}

func classify(wpm float64, th Thresholds) AnimationState {
	switch {
	case wpm < th.Slow:
		return StateSlow
	case wpm < th.Normal:
		return StateNormal
	default:
		return StateFast
	}
}

// IsStreak reports whether the streak overlay should be on. It is independent of
// the animation state.
func IsStreak(wpm float64, th Thresholds) bool {
	return wpm >= th.Fast
}

// SpeedForWPM maps typing speed to a device frame interval in milliseconds.
// Faster typing gives a shorter interval; the result is non-increasing in wpm.
func SpeedForWPM(wpm float64) int {
	if wpm <= 0 {
		return minAnimationSpeedMS
	}
	if wpm > maxWPM {
		wpm = maxWPM
	}
	speed := minAnimationSpeedMS - (wpm/maxWPM)*(minAnimationSpeedMS-maxAnimationSpeedMS)
	return int(clampFloat(speed, speedFloorMS, speedCeilingMS))
}
