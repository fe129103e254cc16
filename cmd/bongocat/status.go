package main

import (
	"log/slog"
	"time"
)

// StatusSink receives presentation-level notifications from the engine.
// Implementations must not block; they are called from the scheduler and
// from the serial link.
type StatusSink interface {
	ConnectionChanged(state ConnectionState)
	TypingChanged(active bool, wpm float64)
	StatsPublished(snap TelemetrySnapshot, wpm int)
}

// multiSink fans notifications out to several sinks.
type multiSink []StatusSink

func (m multiSink) ConnectionChanged(state ConnectionState) {
	for _, s := range m {
		s.ConnectionChanged(state)
	}
}

func (m multiSink) TypingChanged(active bool, wpm float64) {
	for _, s := range m {
		s.TypingChanged(active, wpm)
	}
}

func (m multiSink) StatsPublished(snap TelemetrySnapshot, wpm int) {
	for _, s := range m {
		s.StatsPublished(snap, wpm)
	}
}

// logSink reports state changes to the log.
type logSink struct {
	logger *slog.Logger
}

func (l logSink) ConnectionChanged(state ConnectionState) {
	switch state {
	case ConnectionError:
		l.logger.Warn("device connection failed")
	case Connected:
		l.logger.Info("device connected")
	default:
		l.logger.Debug("device connection state", "state", state)
	}
}

func (l logSink) TypingChanged(active bool, wpm float64) {
	l.logger.Debug("typing state changed", "active", active, "wpm", round1(wpm))
}

func (l logSink) StatsPublished(snap TelemetrySnapshot, wpm int) {
	l.logger.Debug("stats sent", "cpu", snap.CPU, "ram", snap.RAM, "cpu_temp", snap.CPUTemp, "gpu_temp", snap.GPUTemp, "wpm", wpm)
}

// StatusSnapshot is the combined view served to status and control clients.
type StatusSnapshot struct {
	Connection string    `json:"connection"`
	Port       string    `json:"port,omitempty"`
	Generation uint64    `json:"generation"`
	Typing     bool      `json:"typing"`
	WPM        float64   `json:"wpm"`
	CPU        int       `json:"cpu"`
	RAM        int       `json:"ram"`
	CPUTemp    int       `json:"cpu_temp"`
	GPUTemp    int       `json:"gpu_temp"`
	SampledAt  time.Time `json:"sampled_at"`
}

// buildSnapshot reads the engine and the link without holding both locks at once.
func buildSnapshot(engine *Engine, link *Link) StatusSnapshot {
	st := engine.Status()
	snap := StatusSnapshot{
		Typing:    st.Typing,
		WPM:       round1(st.WPM),
		CPU:       st.Telemetry.CPU,
		RAM:       st.Telemetry.RAM,
		CPUTemp:   st.Telemetry.CPUTemp,
		GPUTemp:   st.Telemetry.GPUTemp,
		SampledAt: st.Telemetry.SampledAt,
	}
	if link != nil {
		snap.Connection = link.State().String()
		snap.Port = link.PortName()
		snap.Generation = link.Generation()
	} else {
		snap.Connection = Disconnected.String()
	}
	return snap
}
