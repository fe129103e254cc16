package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ConnectionState is the link state reported to status clients.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	ConnectionError
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectionError:
		return "error"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

var (
	ErrNotConnected = errors.New("serial link not connected")
	ErrWriteTimeout = errors.New("serial write timed out")
	ErrHandshake    = errors.New("device did not answer PING")
)

// TransportError wraps an open/write/read failure with the port it happened on.
type TransportError struct {
	Op   string
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("serial %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Port is an open serial device.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial device at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// openSerialPort opens a real device with 8N1 framing.
func openSerialPort(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LinkConfig holds connection parameters.
type LinkConfig struct {
	Port          string // device path or "AUTO"
	Baud          int
	WriteTimeout  time.Duration
	Retries       int
	RetryBackoff  time.Duration
	HandshakeWait time.Duration
	Settle        time.Duration // wait after open before the handshake
	RequirePong   bool
}

// Link owns the serial connection to the device.
//
// mu guards the open port and serializes writes; it is independent of the engine's
// data lock. connectMu serializes connection attempts, which run without mu held so
// a slow reconnect never stalls writers (they fail fast with ErrNotConnected).
type Link struct {
	mu   sync.Mutex
	port Port
	name string // resolved device path of the open port
	cfg  LinkConfig

	connectMu     sync.Mutex
	cancelConnect context.CancelFunc // set under mu while a Connect is in flight

	open     Opener
	discover func() (string, error)
	logger   *slog.Logger

	state      atomic.Int32
	generation atomic.Uint64 // bumped on every successful connect
	stuck      atomic.Bool   // a timed-out write is still blocked in the driver

	onState func(ConnectionState)
}

// NewLink creates a disconnected link. discover resolves the "AUTO" port and may be nil.
func NewLink(cfg LinkConfig, open Opener, discover func() (string, error), logger *slog.Logger) *Link {
	if open == nil {
		open = openSerialPort
	}
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.Baud <= 0 {
		cfg.Baud = defaultSerialBaud
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &Link{cfg: cfg, open: open, discover: discover, logger: logger}
}

// OnStateChange registers the connection state observer. Call before Connect.
func (l *Link) OnStateChange(fn func(ConnectionState)) { l.onState = fn }

// State returns the current connection state.
func (l *Link) State() ConnectionState { return ConnectionState(l.state.Load()) }

// Generation returns a counter that increases with every successful connect.
func (l *Link) Generation() uint64 { return l.generation.Load() }

// PortName returns the resolved device path, or "" when not connected.
func (l *Link) PortName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

func (l *Link) setState(s ConnectionState) {
	if ConnectionState(l.state.Swap(int32(s))) == s {
		return
	}
	l.logger.Debug("serial link state", "state", s)
	if l.onState != nil {
		l.onState(s)
	}
}

// SetConfig replaces the connection parameters used by the next Connect.
func (l *Link) SetConfig(cfg LinkConfig) {
	if cfg.Baud <= 0 {
		cfg.Baud = defaultSerialBaud
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// SetPort changes the configured port for the next Connect.
func (l *Link) SetPort(name string) {
	l.mu.Lock()
	l.cfg.Port = name
	l.mu.Unlock()
}

func (l *Link) config() LinkConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Connect opens the port and performs the PING/PONG handshake, retrying with a
// fixed back-off. After the last failed attempt the link is left in the error state.
// A Disconnect while Connect is running aborts it.
func (l *Link) Connect(ctx context.Context) error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	cfg := l.config()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.closeLocked()
	l.cancelConnect = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelConnect = nil
		l.mu.Unlock()
	}()
	l.setState(Connecting)

	var lastErr error
	for attempt := 0; attempt < cfg.Retries; attempt++ {
		if attempt > 0 {
			l.logger.Info("retrying serial connection", "attempt", attempt+1, "of", cfg.Retries)
			if err := sleepCtx(ctx, cfg.RetryBackoff); err != nil {
				l.setState(Disconnected)
				return err
			}
		}

		p, name, err := l.connectOnce(ctx, cfg)
		if err == nil {
			l.mu.Lock()
			if ctx.Err() != nil {
				// Disconnected while the handshake was finishing.
				l.mu.Unlock()
				p.Close()
				l.setState(Disconnected)
				return ctx.Err()
			}
			l.port = p
			l.name = name
			l.stuck.Store(false)
			l.setState(Connected)
			l.generation.Add(1)
			l.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			l.setState(Disconnected)
			return ctx.Err()
		}
		lastErr = err
		l.logger.Warn("serial connection failed", "error", err, "attempt", attempt+1)
		if errors.Is(err, ErrNoPortFound) {
			break
		}
	}

	l.setState(ConnectionError)
	return fmt.Errorf("connect after %d attempts: %w", cfg.Retries, lastErr)
}

// connectOnce opens, settles and handshakes a fresh port. On success the caller
// owns the returned port.
func (l *Link) connectOnce(ctx context.Context, cfg LinkConfig) (Port, string, error) {
	name := cfg.Port
	if name == "" || strings.EqualFold(name, "AUTO") {
		if l.discover == nil {
			return nil, "", ErrNoPortFound
		}
		found, err := l.discover()
		if err != nil {
			return nil, "", err
		}
		name = found
	}

	l.logger.Info("opening serial port", "port", name, "baud", cfg.Baud)
	p, err := l.open(name, cfg.Baud)
	if err != nil {
		return nil, "", &TransportError{Op: "open", Port: name, Err: err}
	}

	if err := sleepCtx(ctx, cfg.Settle); err != nil {
		p.Close()
		return nil, "", err
	}

	reply, err := handshake(p, name, cfg)
	switch {
	case err != nil:
		p.Close()
		return nil, "", err
	case strings.Contains(reply, "PONG"):
		l.logger.Info("connected to device", "port", name, "reply", strings.TrimSpace(reply))
	case cfg.RequirePong:
		p.Close()
		return nil, "", &TransportError{Op: "handshake", Port: name, Err: ErrHandshake}
	default:
		l.logger.Info("connected to port without PONG (device may still be booting)", "port", name)
	}
	return p, name, nil
}

// handshake sends PING and reads whatever arrives within the handshake window.
func handshake(p Port, name string, cfg LinkConfig) (string, error) {
	var stuck atomic.Bool
	if err := writeWithTimeout(p, encodeBatch([]Command{CmdPing{}}), cfg.WriteTimeout, &stuck); err != nil {
		return "", &TransportError{Op: "write", Port: name, Err: err}
	}
	if cfg.HandshakeWait <= 0 {
		return "", nil
	}
	if err := p.SetReadTimeout(cfg.HandshakeWait); err != nil {
		return "", &TransportError{Op: "read", Port: name, Err: err}
	}

	deadline := time.Now().Add(cfg.HandshakeWait)
	var got bytes.Buffer
	buf := make([]byte, handshakeReadBufferSize)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
			if bytes.Contains(got.Bytes(), []byte("PONG")) {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return got.String(), &TransportError{Op: "read", Port: name, Err: err}
		}
		if n == 0 {
			// Read timed out with nothing pending.
			break
		}
	}
	return got.String(), nil
}

// Disconnect sends STOP, closes the port and moves to the disconnected state. An
// in-flight Connect is canceled and will not leave the link connected.
func (l *Link) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancelConnect != nil {
		l.cancelConnect()
		l.cancelConnect = nil
	}

	if l.port != nil {
		if err := l.writeLocked(encodeBatch([]Command{CmdStop{}})); err != nil {
			l.logger.Debug("final STOP not delivered", "error", err)
		}
		l.logger.Info("disconnected from device", "port", l.name)
	}
	l.closeLocked()
	l.setState(Disconnected)
}

func (l *Link) closeLocked() {
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
	l.name = ""
}

// WriteBatch sends the commands as one newline-joined write.
func (l *Link) WriteBatch(cmds []Command) error {
	payload := encodeBatch(cmds)
	if len(payload) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(payload)
}

// Send writes a single command.
func (l *Link) Send(cmd Command) error {
	return l.WriteBatch([]Command{cmd})
}

// WriteLines sends raw protocol lines as one write. Lines must not contain newlines.
func (l *Link) WriteLines(lines ...string) error {
	cmds := make([]Command, 0, len(lines))
	for _, line := range lines {
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("line %q contains a line break", line)
		}
		cmds = append(cmds, CmdRaw{Line: line})
	}
	return l.WriteBatch(cmds)
}

// writeLocked writes payload to the open port, bounded by the write timeout.
func (l *Link) writeLocked(payload []byte) error {
	if l.port == nil {
		return ErrNotConnected
	}
	if err := writeWithTimeout(l.port, payload, l.cfg.WriteTimeout, &l.stuck); err != nil {
		return &TransportError{Op: "write", Port: l.name, Err: err}
	}
	return nil
}

// writeWithTimeout gives up on a write after timeout. The write keeps running in the
// background; until it returns, stuck is set and further writes fail fast with
// ErrWriteTimeout instead of queueing behind it.
func writeWithTimeout(p Port, payload []byte, timeout time.Duration, stuck *atomic.Bool) error {
	if stuck.Load() {
		return ErrWriteTimeout
	}
	if timeout <= 0 {
		_, err := p.Write(payload)
		return err
	}

	done := make(chan error, 1)
	stuck.Store(true)
	go func() {
		_, err := p.Write(payload)
		stuck.Store(false)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// Close releases the port without sending anything.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
	l.setState(Disconnected)
	return nil
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
