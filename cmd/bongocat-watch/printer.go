package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	tsStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	tagStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C89A3A"))
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#52C41A"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	neutralStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#B0B0B0"))
)

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type snapshot struct {
	Connection string  `json:"connection"`
	Port       string  `json:"port"`
	Typing     bool    `json:"typing"`
	WPM        float64 `json:"wpm"`
	CPU        int     `json:"cpu"`
	RAM        int     `json:"ram"`
	CPUTemp    int     `json:"cpu_temp"`
	GPUTemp    int     `json:"gpu_temp"`
}

type connectionData struct {
	State string `json:"state"`
}

type typingData struct {
	Typing bool    `json:"typing"`
	WPM    float64 `json:"wpm"`
}

type statsData struct {
	CPU     int `json:"cpu"`
	RAM     int `json:"ram"`
	CPUTemp int `json:"cpu_temp"`
	GPUTemp int `json:"gpu_temp"`
	WPM     int `json:"wpm"`
}

// printer renders status events as single lines.
type printer struct {
	w         io.Writer
	color     bool
	showStats bool
}

func newPrinter(w io.Writer, color bool) *printer {
	return &printer{w: w, color: color, showStats: true}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) handle(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Fprintf(p.w, "[TEXT] %s\n", message)
		return
	}

	ts := time.Now()
	if env.Ts != nil {
		ts = env.Ts.Local()
	}
	line, ok := p.describe(env)
	if !ok {
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n",
		p.style(tsStyle, ts.Format("15:04:05")),
		p.style(tagStyle, fmt.Sprintf("%-10s", tagFor(env.Type))),
		line)
}

// describe returns the body of the line for env; ok is false when it is suppressed.
func (p *printer) describe(env envelope) (string, bool) {
	switch env.Type {
	case "state_init":
		var s snapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return string(env.Data), true
		}
		activity := "idle"
		if s.Typing {
			activity = fmt.Sprintf("typing at %.1f WPM", s.WPM)
		}
		return fmt.Sprintf("%s %s, %s", p.connection(s.Connection), portOrDash(s.Port), activity), true

	case "connection_changed":
		var c connectionData
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return string(env.Data), true
		}
		return p.connection(c.State), true

	case "typing_changed":
		var t typingData
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return string(env.Data), true
		}
		if !t.Typing {
			return p.style(neutralStyle, "stopped typing"), true
		}
		return p.style(goodStyle, fmt.Sprintf("typing (%.1f WPM)", t.WPM)), true

	case "stats":
		if !p.showStats {
			return "", false
		}
		var s statsData
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return string(env.Data), true
		}
		return fmt.Sprintf("cpu %3d%%  ram %3d%%  cpu %s  gpu %s  wpm %d",
			s.CPU, s.RAM, temp(s.CPUTemp), temp(s.GPUTemp), s.WPM), true

	default:
		return string(env.Data), true
	}
}

func (p *printer) connection(state string) string {
	switch state {
	case "connected":
		return p.style(goodStyle, state)
	case "error":
		return p.style(badStyle, state)
	default:
		return p.style(neutralStyle, state)
	}
}

func tagFor(t string) string {
	switch t {
	case "state_init":
		return "[INIT]"
	case "connection_changed":
		return "[LINK]"
	case "typing_changed":
		return "[TYPING]"
	case "stats":
		return "[STATS]"
	default:
		return "[" + t + "]"
	}
}

func portOrDash(p string) string {
	if p == "" {
		return "-"
	}
	return "on " + p
}

func temp(c int) string {
	if c <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d°C", c)
}
