package main

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// recordingWriter captures batches as protocol lines.
type recordingWriter struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (w *recordingWriter) WriteBatch(cmds []Command) error {
	lines := make([]string, len(cmds))
	for i, c := range cmds {
		lines[i] = c.String()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, lines)
	return w.err
}

func (w *recordingWriter) all() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]string(nil), w.batches...)
}

func idleInput(now time.Time) DispatchInput {
	return DispatchInput{Now: now, State: StateIdle, SpeedMS: SpeedForWPM(0)}
}

func TestDispatcher_IdleRateLimit(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	if !d.Dispatch(idleInput(t0)) {
		t.Fatal("first dispatch should be sent")
	}

	// A state change 100ms later is held back outside active typing.
	in := idleInput(t0.Add(100 * time.Millisecond))
	in.State = StateSlow
	if d.Dispatch(in) {
		t.Fatal("dispatch within 500ms of the previous one should be suppressed")
	}

	if got := len(w.all()); got != 1 {
		t.Fatalf("batches = %d, want 1", got)
	}
	if !reflect.DeepEqual(w.all()[0], []string{"STOP"}) {
		t.Errorf("batch = %v, want [STOP]", w.all()[0])
	}
}

func TestDispatcher_ForceBypassesRateLimit(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	d.Dispatch(idleInput(t0))
	in := idleInput(t0.Add(10 * time.Millisecond))
	in.Force = true
	if !d.Dispatch(in) {
		t.Fatal("forced dispatch should always be sent")
	}
}

func TestDispatcher_IdleKeepAlive(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	d.Dispatch(idleInput(t0))
	if d.Dispatch(idleInput(t0.Add(3 * time.Second))) {
		t.Fatal("unchanged idle input should not resend before the keep-alive interval")
	}
	if !d.Dispatch(idleInput(t0.Add(4100 * time.Millisecond))) {
		t.Fatal("expected keep-alive after 4s")
	}
	if got := len(w.all()); got != 2 {
		t.Fatalf("batches = %d, want 2", got)
	}
}

func TestDispatcher_TypingKeepAliveAndJitter(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	in := DispatchInput{Now: t0, WPM: 50, State: StateNormal, SpeedMS: 200, TypingActive: true}
	d.Dispatch(in)

	// Sub-threshold speed change: nothing to send.
	in.Now = t0.Add(100 * time.Millisecond)
	in.SpeedMS = 200 - speedChangeThresholdMS
	if d.Dispatch(in) {
		t.Fatal("speed change within threshold should not dispatch")
	}

	// A real change goes out immediately while typing.
	in.Now = t0.Add(200 * time.Millisecond)
	in.SpeedMS = 150
	if !d.Dispatch(in) {
		t.Fatal("speed change above threshold should dispatch")
	}

	in.Now = t0.Add(1300 * time.Millisecond)
	if !d.Dispatch(in) {
		t.Fatal("expected typing keep-alive after 1s")
	}

	got := w.all()
	if !reflect.DeepEqual(got[len(got)-1], []string{"SPEED:150"}) {
		t.Errorf("last batch = %v, want [SPEED:150]", got[len(got)-1])
	}
}

func TestDispatcher_StreakOnAndOffWithStop(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	d.Dispatch(DispatchInput{Now: t0, WPM: 80, State: StateFast, SpeedMS: SpeedForWPM(80), Streak: true, TypingActive: true})
	d.Dispatch(DispatchInput{Now: t0.Add(50 * time.Millisecond), WPM: 0, State: StateIdle, SpeedMS: SpeedForWPM(0), Force: true})

	got := w.all()
	want := [][]string{
		{"SPEED:316", "STREAK_ON"},
		{"STOP", "STREAK_OFF"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("batches = %v, want %v", got, want)
	}
	if d.State().LastStreak {
		t.Error("streak should be recorded as off after STOP")
	}
}

func TestDispatcher_FailedWriteKeepsState(t *testing.T) {
	w := &recordingWriter{err: errors.New("boom")}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	in := DispatchInput{Now: t0, WPM: 50, State: StateNormal, SpeedMS: 224, TypingActive: true}
	if !d.Dispatch(in) {
		t.Fatal("dispatch should be reported as handed to the writer")
	}
	st := d.State()
	if !st.HasState || st.LastState != StateNormal || st.LastSpeedMS != 224 || !st.LastCommandAt.Equal(t0) {
		t.Fatalf("state not updated after failed write: %+v", st)
	}

	in.Now = t0.Add(100 * time.Millisecond)
	if d.Dispatch(in) {
		t.Fatal("identical input should not be resent before keep-alive")
	}
}

func TestDispatcher_ResyncForcesNextSend(t *testing.T) {
	w := &recordingWriter{}
	d := NewDispatcher(w, nil)
	t0 := time.Unix(1000, 0)

	d.Dispatch(idleInput(t0))
	d.Resync()
	if !d.Dispatch(idleInput(t0.Add(10 * time.Millisecond))) {
		t.Fatal("dispatch after Resync should be sent")
	}
}
