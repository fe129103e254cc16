package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ============================================================================
// Control requests (bongocat-ctl -> daemon)
// ============================================================================
// Requests travel as a JSON envelope with a type discriminator:
//   {"type": "reconnect", "data": {"port": "/dev/ttyUSB0"}}
// ============================================================================

// ControlRequest is a marker interface for all control requests.
type ControlRequest interface {
	controlMarker()
}

// Reconnect closes the link and connects again, optionally to a different port.
type Reconnect struct {
	Port string `json:"port,omitempty"`
}

// Disconnect stops the animation and closes the port.
type Disconnect struct{}

// PushConfig re-sends the display settings to the device.
type PushConfig struct{}

// SaveSettings asks the device to persist its settings.
type SaveSettings struct{}

// StatusQuery returns a StatusSnapshot.
type StatusQuery struct{}

// SendRaw writes one protocol line verbatim (debugging aid).
type SendRaw struct {
	Line string `json:"line"`
}

func (Reconnect) controlMarker()    {}
func (Disconnect) controlMarker()   {}
func (PushConfig) controlMarker()   {}
func (SaveSettings) controlMarker() {}
func (StatusQuery) controlMarker()  {}
func (SendRaw) controlMarker()      {}

// ControlEnvelope wraps a request with a type discriminator for JSON marshaling.
type ControlEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// maxRawLineLen keeps send_raw within what the firmware's line buffer accepts.
const maxRawLineLen = 128

// UnmarshalControl deserializes a JSON envelope into a concrete ControlRequest.
func UnmarshalControl(data []byte) (ControlRequest, error) {
	var env ControlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "reconnect":
		var r Reconnect
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &r); err != nil {
				return nil, fmt.Errorf("unmarshal Reconnect: %w", err)
			}
		}
		return r, nil

	case "disconnect":
		return Disconnect{}, nil
	case "push_config":
		return PushConfig{}, nil
	case "save_settings":
		return SaveSettings{}, nil
	case "status":
		return StatusQuery{}, nil

	case "send_raw":
		var r SendRaw
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal SendRaw: %w", err)
		}
		if err := validateRawLine(r.Line); err != nil {
			return nil, err
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unknown request type: %q", env.Type)
	}
}

// MarshalControl serializes a ControlRequest into a JSON envelope.
func MarshalControl(req ControlRequest) ([]byte, error) {
	var env ControlEnvelope

	switch r := req.(type) {
	case Reconnect:
		env.Type = "reconnect"
		if r.Port != "" {
			data, err := json.Marshal(r)
			if err != nil {
				return nil, fmt.Errorf("marshal Reconnect: %w", err)
			}
			env.Data = data
		}
	case Disconnect:
		env.Type = "disconnect"
	case PushConfig:
		env.Type = "push_config"
	case SaveSettings:
		env.Type = "save_settings"
	case StatusQuery:
		env.Type = "status"
	case SendRaw:
		env.Type = "send_raw"
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal SendRaw: %w", err)
		}
		env.Data = data
	default:
		return nil, fmt.Errorf("unsupported request type: %T", req)
	}

	return json.Marshal(env)
}

func validateRawLine(line string) error {
	switch {
	case line == "":
		return errors.New("send_raw: line is empty")
	case strings.ContainsAny(line, "\r\n"):
		return errors.New("send_raw: line must not contain line breaks")
	case len(line) > maxRawLineLen:
		return fmt.Errorf("send_raw: line longer than %d bytes", maxRawLineLen)
	}
	for _, r := range line {
		if r < 0x20 || r > 0x7e {
			return errors.New("send_raw: line must be printable ASCII")
		}
	}
	return nil
}

// Controller executes control requests against the running daemon.
//
// Link operations run directly on the caller's goroutine (the link has its own lock);
// config pushes are handed to the scheduler so they interleave with animation updates.
type Controller struct {
	engine     *Engine
	link       *Link
	pushConfig chan<- struct{}
	logger     *slog.Logger
}

func NewController(engine *Engine, link *Link, pushConfig chan<- struct{}, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = discardLogger()
	}
	return &Controller{engine: engine, link: link, pushConfig: pushConfig, logger: logger}
}

// Handle runs req and returns the response payload (may be nil).
func (c *Controller) Handle(ctx context.Context, req ControlRequest) (any, error) {
	switch r := req.(type) {
	case Reconnect:
		if r.Port != "" {
			c.link.SetPort(r.Port)
		}
		c.logger.Info("reconnect requested", "port", r.Port)
		if err := c.link.Connect(ctx); err != nil {
			return nil, err
		}
		return buildSnapshot(c.engine, c.link), nil

	case Disconnect:
		c.logger.Info("disconnect requested")
		c.link.Disconnect()
		return nil, nil

	case PushConfig:
		if c.link.State() != Connected {
			return nil, ErrNotConnected
		}
		select {
		case c.pushConfig <- struct{}{}:
		default:
			// A push is already pending.
		}
		return nil, nil

	case SaveSettings:
		return nil, c.link.Send(CmdSaveSettings{})

	case StatusQuery:
		return buildSnapshot(c.engine, c.link), nil

	case SendRaw:
		if err := validateRawLine(r.Line); err != nil {
			return nil, err
		}
		c.logger.Debug("sending raw line", "line", r.Line)
		return nil, c.link.WriteLines(r.Line)

	default:
		return nil, fmt.Errorf("unsupported request type: %T", req)
	}
}
