package main

import "testing"

func TestNextState_Hysteresis(t *testing.T) {
	th := DefaultThresholds() // 20 / 40 / 65

	tests := []struct {
		from AnimationState
		wpm  float64
		want AnimationState
	}{
		{StateIdle, 2, StateIdle},
		{StateIdle, 3, StateSlow},
		{StateIdle, 30, StateNormal},
		{StateIdle, 90, StateFast},

		{StateSlow, 21, StateSlow}, // needs 22 to leave upward
		{StateSlow, 22, StateNormal},
		{StateSlow, 45, StateFast},
		{StateSlow, 1.5, StateIdle},

		{StateNormal, 19, StateNormal}, // within the band below 20
		{StateNormal, 17, StateSlow},
		{StateNormal, 1, StateIdle},
		{StateNormal, 41, StateNormal},
		{StateNormal, 42, StateFast},

		{StateFast, 39, StateFast},
		{StateFast, 37, StateNormal},
		{StateFast, 10, StateSlow},
		{StateFast, 0, StateIdle},
	}
	for _, tt := range tests {
		if got := NextState(tt.from, tt.wpm, th); got != tt.want {
			t.Errorf("NextState(%s, %.1f) = %s, want %s", tt.from, tt.wpm, got, tt.want)
		}
	}
}

func TestNextState_UnknownStatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown state")
		}
	}()
	NextState(AnimationState(42), 10, DefaultThresholds())
}

func TestIsStreak(t *testing.T) {
	th := DefaultThresholds()
	if IsStreak(64.9, th) {
		t.Error("64.9 should not be a streak")
	}
	if !IsStreak(65, th) {
		t.Error("65 should be a streak")
	}
}

func TestSpeedForWPM(t *testing.T) {
	if got := SpeedForWPM(0); got != 500 {
		t.Errorf("speed(0) = %d, want 500", got)
	}
	if got := SpeedForWPM(-5); got != 500 {
		t.Errorf("speed(-5) = %d, want 500", got)
	}
	if got := SpeedForWPM(200); got != 40 {
		t.Errorf("speed(200) = %d, want 40", got)
	}
	if got := SpeedForWPM(500); got != 40 {
		t.Errorf("speed(500) = %d, want 40", got)
	}

	prev := SpeedForWPM(0)
	for w := 1.0; w <= 220; w++ {
		s := SpeedForWPM(w)
		if s > prev {
			t.Fatalf("speed not monotonic: speed(%.0f)=%d > %d", w, s, prev)
		}
		if s < speedFloorMS || s > speedCeilingMS {
			t.Fatalf("speed(%.0f)=%d out of range", w, s)
		}
		prev = s
	}
}
