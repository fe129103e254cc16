package main

import (
	"fmt"
	"io"
	"time"
)

// statusView mirrors the daemon's status snapshot.
type statusView struct {
	Connection string    `json:"connection"`
	Port       string    `json:"port"`
	Generation uint64    `json:"generation"`
	Typing     bool      `json:"typing"`
	WPM        float64   `json:"wpm"`
	CPU        int       `json:"cpu"`
	RAM        int       `json:"ram"`
	CPUTemp    int       `json:"cpu_temp"`
	GPUTemp    int       `json:"gpu_temp"`
	SampledAt  time.Time `json:"sampled_at"`
}

func printStatus(w io.Writer, st statusView) {
	port := st.Port
	if port == "" {
		port = "-"
	}
	activity := "idle"
	if st.Typing {
		activity = "typing"
	}

	fmt.Fprintf(w, "connection: %s (port %s, generation %d)\n", st.Connection, port, st.Generation)
	fmt.Fprintf(w, "activity:   %s, %.1f WPM\n", activity, st.WPM)
	fmt.Fprintf(w, "host:       cpu %d%%  ram %d%%  cpu temp %s  gpu temp %s\n",
		st.CPU, st.RAM, formatTemp(st.CPUTemp), formatTemp(st.GPUTemp))
	if !st.SampledAt.IsZero() {
		fmt.Fprintf(w, "sampled:    %s ago\n", time.Since(st.SampledAt).Round(time.Second))
	}
}

// formatTemp renders 0 (no sensor) as "n/a".
func formatTemp(c int) string {
	if c <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d°C", c)
}
