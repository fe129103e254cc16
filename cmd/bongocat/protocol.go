package main

import (
	"fmt"
	"strings"
	"time"
)

// ==============================
// Device commands (wire protocol)
// ==============================
//
// Every command renders to exactly one ASCII line without the terminator.
// Writers append "\n" per line; a batch is sent as a single transport write.

// Command is a single line sent to the device.
type Command interface {
	commandMarker()
	String() string
}

// CmdPing opens the handshake; the device answers PONG.
type CmdPing struct{}

func (CmdPing) commandMarker()  {}
func (CmdPing) String() string { return "PING" }

// CmdStop resets the animation to idle.
type CmdStop struct{}

func (CmdStop) commandMarker()  {}
func (CmdStop) String() string { return "STOP" }

// CmdSpeed sets the animation frame interval.
type CmdSpeed struct {
	MS int
}

func (CmdSpeed) commandMarker()    {}
func (c CmdSpeed) String() string { return fmt.Sprintf("SPEED:%d", c.MS) }

// CmdStreak toggles the happy-face overlay.
type CmdStreak struct {
	On bool
}

func (CmdStreak) commandMarker() {}
func (c CmdStreak) String() string {
	if c.On {
		return "STREAK_ON"
	}
	return "STREAK_OFF"
}

// CmdIdleStart lets the device run its own sleep progression.
type CmdIdleStart struct{}

func (CmdIdleStart) commandMarker()  {}
func (CmdIdleStart) String() string { return "IDLE_START" }

// CmdStats pushes host telemetry and the current WPM.
type CmdStats struct {
	CPU, RAM, CPUTemp, GPUTemp, WPM int
}

func (CmdStats) commandMarker() {}
func (c CmdStats) String() string {
	return fmt.Sprintf("STATS:CPU:%d,RAM:%d,CPUTemp:%d,GPUTemp:%d,WPM:%d", c.CPU, c.RAM, c.CPUTemp, c.GPUTemp, c.WPM)
}

// CmdTime syncs the device clock (HH:MM, 24h; the device handles 12h display).
type CmdTime struct {
	At time.Time
}

func (CmdTime) commandMarker()    {}
func (c CmdTime) String() string { return "TIME:" + c.At.Format("15:04") }

// CmdDisplay toggles one on-screen field.
type CmdDisplay struct {
	Field DisplayField
	On    bool
}

func (CmdDisplay) commandMarker() {}
func (c CmdDisplay) String() string {
	return fmt.Sprintf("DISPLAY_%s:%s", c.Field, onOff(c.On))
}

// DisplayField names a device display element.
type DisplayField string

const (
	FieldCPU     DisplayField = "CPU"
	FieldRAM     DisplayField = "RAM"
	FieldWPM     DisplayField = "WPM"
	FieldCPUTemp DisplayField = "CPU_TEMP"
	FieldGPUTemp DisplayField = "GPU_TEMP"
	FieldTime    DisplayField = "TIME"
)

// CmdTimeFormat selects 24h or 12h clock display.
type CmdTimeFormat struct {
	TwentyFour bool
}

func (CmdTimeFormat) commandMarker() {}
func (c CmdTimeFormat) String() string {
	if c.TwentyFour {
		return "TIME_FORMAT:24"
	}
	return "TIME_FORMAT:12"
}

// CmdSleepTimeout sets the device-side sleep progression length.
type CmdSleepTimeout struct {
	Minutes int
}

func (CmdSleepTimeout) commandMarker()    {}
func (c CmdSleepTimeout) String() string { return fmt.Sprintf("SLEEP_TIMEOUT:%d", c.Minutes) }

// CmdSaveSettings persists the device settings to its EEPROM.
type CmdSaveSettings struct{}

func (CmdSaveSettings) commandMarker()  {}
func (CmdSaveSettings) String() string { return "SAVE_SETTINGS" }

// CmdRaw is an operator-supplied line (control socket send_raw).
type CmdRaw struct {
	Line string
}

func (CmdRaw) commandMarker()    {}
func (c CmdRaw) String() string { return c.Line }

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// encodeBatch joins commands into one newline-terminated payload.
func encodeBatch(cmds []Command) []byte {
	if len(cmds) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, c := range cmds {
		sb.WriteString(c.String())
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// deviceConfigCommands renders the display/behavior settings push, ending with SAVE_SETTINGS.
func deviceConfigCommands(d DisplayConfig, sleepMinutes int) []Command {
	return []Command{
		CmdDisplay{Field: FieldCPU, On: d.ShowCPU},
		CmdDisplay{Field: FieldRAM, On: d.ShowRAM},
		CmdDisplay{Field: FieldCPUTemp, On: d.ShowCPUTemp},
		CmdDisplay{Field: FieldGPUTemp, On: d.ShowGPUTemp},
		CmdDisplay{Field: FieldWPM, On: d.ShowWPM},
		CmdDisplay{Field: FieldTime, On: d.ShowTime},
		CmdTimeFormat{TwentyFour: d.TimeFormat24h},
		CmdSleepTimeout{Minutes: sleepMinutes},
		CmdSaveSettings{},
	}
}
