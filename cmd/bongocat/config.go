package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the bongocat daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume a
// well-formed config. The file is the primary configuration surface; flags are
// for small overrides.
type Config struct {
	// Serial link to the display board
	Serial SerialConfig `yaml:"serial"`

	// Typing detection and animation tuning
	Behavior BehaviorConfig `yaml:"behavior"`

	// What the device shows (pushed to the board on connect)
	Display DisplayConfig `yaml:"display"`

	// Keyboard capture
	Input InputConfig `yaml:"input"`

	// Control socket (bongocat-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// Status websocket (bongocat-watch)
	Status StatusConfig `yaml:"status"`

	Logging LoggingConfig `yaml:"logging"`
}

type SerialConfig struct {
	Port            string `yaml:"port"` // device path or "AUTO"
	Baud            int    `yaml:"baud"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
	ConnectRetries  int    `yaml:"connect_retries"`
	RetryBackoffMS  int    `yaml:"retry_backoff_ms"`
	HandshakeWaitMS int    `yaml:"handshake_wait_ms"`
	SettleMS        int    `yaml:"settle_ms"`
	RequirePong     bool   `yaml:"require_pong"`
}

type BehaviorConfig struct {
	UpdateHz        int     `yaml:"update_hz"`
	IdleTimeoutSec  float64 `yaml:"idle_timeout_sec"`
	SleepTimeoutMin int     `yaml:"sleep_timeout_min"`
	SlowWPM         float64 `yaml:"slow_wpm"`
	NormalWPM       float64 `yaml:"normal_wpm"`
	FastWPM         float64 `yaml:"fast_wpm"` // streak threshold
}

type DisplayConfig struct {
	ShowCPU       bool `yaml:"show_cpu"`
	ShowRAM       bool `yaml:"show_ram"`
	ShowCPUTemp   bool `yaml:"show_cpu_temp"`
	ShowGPUTemp   bool `yaml:"show_gpu_temp"`
	ShowWPM       bool `yaml:"show_wpm"`
	ShowTime      bool `yaml:"show_time"`
	TimeFormat24h bool `yaml:"time_format_24h"`
}

type InputConfig struct {
	// Devices lists evdev nodes to read. Empty means every keyboard under
	// /dev/input/by-id and /dev/input/by-path.
	Devices []string `yaml:"devices,omitempty"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// validBaudRates are the rates the firmware can be built with.
var validBaudRates = []int{9600, 19200, 38400, 57600, 115200}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			Port:            "AUTO",
			Baud:            defaultSerialBaud,
			WriteTimeoutMS:  defaultWriteTimeoutMS,
			ConnectRetries:  defaultConnectRetries,
			RetryBackoffMS:  defaultRetryBackoffMS,
			HandshakeWaitMS: defaultHandshakeWaitMS,
			SettleMS:        defaultSettleMS,
		},
		Behavior: BehaviorConfig{
			UpdateHz:        defaultUpdateHz,
			IdleTimeoutSec:  defaultIdleSec,
			SleepTimeoutMin: defaultSleepMin,
			SlowWPM:         defaultSlowWPM,
			NormalWPM:       defaultNormalWPM,
			FastWPM:         defaultFastWPM,
		},
		Display: DisplayConfig{
			ShowCPU:       true,
			ShowRAM:       true,
			ShowWPM:       true,
			ShowTime:      true,
			TimeFormat24h: true,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/bongocat.sock",
		},
		Status: StatusConfig{
			Enabled: true,
			Listen:  "127.0.0.1:3002",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// defaultConfigPath is where the daemon looks for a config file when -config is not given.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bongocat", "config.yaml")
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		// An empty file is a valid "all defaults" config.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies command-line overrides on top of a loaded config.
//
// Each override is only applied if its pointer is non-nil; main.go sets pointers
// only for flags that were explicitly passed.
type FlagOverrides struct {
	SerialPort  *string
	SerialBaud  *int
	RequirePong *bool

	UpdateHz        *int
	IdleTimeoutSec  *float64
	SleepTimeoutMin *int

	InputDevice *string

	IPCSocketPath *string
	StatusListen  *string
	StatusEnabled *bool

	LogLevel *string
}

// Apply merges the overrides into cfg. If the pointer is non-nil, the value is
// applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.SerialPort != nil {
		cfg.Serial.Port = *o.SerialPort
	}
	if o.SerialBaud != nil {
		cfg.Serial.Baud = *o.SerialBaud
	}
	if o.RequirePong != nil {
		cfg.Serial.RequirePong = *o.RequirePong
	}

	if o.UpdateHz != nil {
		cfg.Behavior.UpdateHz = *o.UpdateHz
	}
	if o.IdleTimeoutSec != nil {
		cfg.Behavior.IdleTimeoutSec = *o.IdleTimeoutSec
	}
	if o.SleepTimeoutMin != nil {
		cfg.Behavior.SleepTimeoutMin = *o.SleepTimeoutMin
	}

	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StatusListen != nil {
		cfg.Status.Listen = *o.StatusListen
	}
	if o.StatusEnabled != nil {
		cfg.Status.Enabled = *o.StatusEnabled
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Serial
	if strings.TrimSpace(c.Serial.Port) == "" {
		return errors.New(`serial.port must not be empty (use "AUTO" for detection)`)
	}
	if !slices.Contains(validBaudRates, c.Serial.Baud) {
		return fmt.Errorf("serial.baud must be one of %v", validBaudRates)
	}
	if c.Serial.WriteTimeoutMS < 0 || c.Serial.WriteTimeoutMS > 10000 {
		return errors.New("serial.write_timeout_ms must be between 0 and 10000")
	}
	if c.Serial.ConnectRetries < 1 || c.Serial.ConnectRetries > 20 {
		return errors.New("serial.connect_retries must be between 1 and 20")
	}
	if c.Serial.RetryBackoffMS < 0 {
		return errors.New("serial.retry_backoff_ms must be >= 0")
	}
	if c.Serial.HandshakeWaitMS < 0 || c.Serial.HandshakeWaitMS > 5000 {
		return errors.New("serial.handshake_wait_ms must be between 0 and 5000")
	}
	if c.Serial.SettleMS < 0 || c.Serial.SettleMS > 10000 {
		return errors.New("serial.settle_ms must be between 0 and 10000")
	}

	// Behavior
	if c.Behavior.UpdateHz <= 0 || c.Behavior.UpdateHz > 60 {
		return errors.New("behavior.update_hz must be between 1 and 60")
	}
	if c.Behavior.IdleTimeoutSec < 0.1 || c.Behavior.IdleTimeoutSec > 10 {
		return errors.New("behavior.idle_timeout_sec must be between 0.1 and 10")
	}
	if c.Behavior.SleepTimeoutMin < 1 || c.Behavior.SleepTimeoutMin > 60 {
		return errors.New("behavior.sleep_timeout_min must be between 1 and 60")
	}
	if c.Behavior.SlowWPM <= 0 {
		return errors.New("behavior.slow_wpm must be > 0")
	}
	if c.Behavior.NormalWPM <= c.Behavior.SlowWPM {
		return errors.New("behavior.normal_wpm must be > behavior.slow_wpm")
	}
	if c.Behavior.FastWPM < c.Behavior.NormalWPM || c.Behavior.FastWPM > maxWPM {
		return fmt.Errorf("behavior.fast_wpm must be between behavior.normal_wpm and %.0f", maxWPM)
	}

	// Input
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Status
	if c.Status.Enabled && c.Status.Listen == "" {
		return errors.New("status.enabled is true but status.listen is empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToEngineConfig converts the behavior/display sections into the engine's parameters.
func (c *Config) ToEngineConfig() EngineConfig {
	return EngineConfig{
		IdleTimeout:  time.Duration(c.Behavior.IdleTimeoutSec * float64(time.Second)),
		SleepTimeout: time.Duration(c.Behavior.SleepTimeoutMin) * time.Minute,
		Thresholds: Thresholds{
			Slow:   c.Behavior.SlowWPM,
			Normal: c.Behavior.NormalWPM,
			Fast:   c.Behavior.FastWPM,
		},
		Temps: TelemetryRequest{
			CPUTemp: c.Display.ShowCPUTemp,
			GPUTemp: c.Display.ShowGPUTemp,
		},
	}
}

// ToLinkConfig converts the serial section into transport parameters.
func (c *Config) ToLinkConfig() LinkConfig {
	return LinkConfig{
		Port:          c.Serial.Port,
		Baud:          c.Serial.Baud,
		WriteTimeout:  time.Duration(c.Serial.WriteTimeoutMS) * time.Millisecond,
		Retries:       c.Serial.ConnectRetries,
		RetryBackoff:  time.Duration(c.Serial.RetryBackoffMS) * time.Millisecond,
		HandshakeWait: time.Duration(c.Serial.HandshakeWaitMS) * time.Millisecond,
		Settle:        time.Duration(c.Serial.SettleMS) * time.Millisecond,
		RequirePong:   c.Serial.RequirePong,
	}
}

// UpdateInterval is the scheduler tick period.
func (c *Config) UpdateInterval() time.Duration {
	if c.Behavior.UpdateHz <= 0 {
		return time.Second / defaultUpdateHz
	}
	return time.Second / time.Duration(c.Behavior.UpdateHz)
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
