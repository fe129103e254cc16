package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePort is an in-memory serial device.
type fakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	reply   []byte // returned by the first Read after a write
	closed  bool

	writes     int
	blockAfter int           // writes beyond this many block on unblock (0: never)
	unblock    chan struct{} // closed to release blocked writes
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes++
	block := p.blockAfter > 0 && p.writes > p.blockAfter
	p.mu.Unlock()

	if block {
		<-p.unblock
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.written.Write(b)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reply) == 0 {
		return 0, nil // read timeout
	}
	n := copy(b, p.reply)
	p.reply = p.reply[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// fakeOpener hands out ports in order and counts open attempts.
type fakeOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	err   error
	opens int
	names []string
}

func (o *fakeOpener) open(name string, _ int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	o.names = append(o.names, name)
	if o.err != nil {
		return nil, o.err
	}
	if len(o.ports) == 0 {
		return &fakePort{}, nil
	}
	p := o.ports[0]
	o.ports = o.ports[1:]
	return p, nil
}

func testLinkConfig() LinkConfig {
	return LinkConfig{
		Port:          "/dev/ttyTEST0",
		Baud:          115200,
		WriteTimeout:  200 * time.Millisecond,
		Retries:       1,
		RetryBackoff:  time.Millisecond,
		HandshakeWait: 20 * time.Millisecond,
	}
}

func TestLink_ConnectHandshake(t *testing.T) {
	port := &fakePort{reply: []byte("PONG\r\n")}
	op := &fakeOpener{ports: []*fakePort{port}}
	link := NewLink(testLinkConfig(), op.open, nil, nil)

	var states []ConnectionState
	link.OnStateChange(func(s ConnectionState) { states = append(states, s) })

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if link.State() != Connected || link.Generation() != 1 {
		t.Fatalf("state=%s gen=%d, want connected/1", link.State(), link.Generation())
	}
	if link.PortName() != "/dev/ttyTEST0" {
		t.Errorf("port name = %q", link.PortName())
	}
	if port.output() != "PING\n" {
		t.Errorf("handshake wrote %q, want PING", port.output())
	}
	if len(states) != 2 || states[0] != Connecting || states[1] != Connected {
		t.Errorf("state transitions = %v", states)
	}

	if err := link.WriteBatch([]Command{CmdSpeed{MS: 120}, CmdStreak{On: true}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := port.output(); got != "PING\nSPEED:120\nSTREAK_ON\n" {
		t.Errorf("port output = %q", got)
	}
}

func TestLink_MissingPongIsLenientByDefault(t *testing.T) {
	op := &fakeOpener{}
	link := NewLink(testLinkConfig(), op.open, nil, nil)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect without PONG should succeed: %v", err)
	}
	if link.State() != Connected {
		t.Fatalf("state = %s, want connected", link.State())
	}
}

func TestLink_RequirePongRetriesThenErrors(t *testing.T) {
	cfg := testLinkConfig()
	cfg.RequirePong = true
	cfg.Retries = 3
	op := &fakeOpener{}
	link := NewLink(cfg, op.open, nil, nil)

	err := link.Connect(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("err = %v, want ErrHandshake", err)
	}
	if op.opens != 3 {
		t.Errorf("opens = %d, want 3", op.opens)
	}
	if link.State() != ConnectionError {
		t.Errorf("state = %s, want error", link.State())
	}
	if link.Generation() != 0 {
		t.Errorf("generation = %d, want 0", link.Generation())
	}
}

func TestLink_OpenFailureIsTransportError(t *testing.T) {
	cfg := testLinkConfig()
	cfg.Retries = 2
	op := &fakeOpener{err: errors.New("permission denied")}
	link := NewLink(cfg, op.open, nil, nil)

	err := link.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" || te.Port != "/dev/ttyTEST0" {
		t.Fatalf("err = %v, want open TransportError", err)
	}
	if op.opens != 2 {
		t.Errorf("opens = %d, want 2", op.opens)
	}
}

func TestLink_AutoDiscovery(t *testing.T) {
	cfg := testLinkConfig()
	cfg.Port = "AUTO"
	cfg.Retries = 3

	t.Run("found", func(t *testing.T) {
		op := &fakeOpener{}
		link := NewLink(cfg, op.open, func() (string, error) { return "/dev/ttyACM7", nil }, nil)
		if err := link.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if len(op.names) != 1 || op.names[0] != "/dev/ttyACM7" {
			t.Fatalf("opened %v, want /dev/ttyACM7", op.names)
		}
	})

	t.Run("nothing found does not retry", func(t *testing.T) {
		calls := 0
		op := &fakeOpener{}
		link := NewLink(cfg, op.open, func() (string, error) {
			calls++
			return "", ErrNoPortFound
		}, nil)
		err := link.Connect(context.Background())
		if !errors.Is(err, ErrNoPortFound) {
			t.Fatalf("err = %v, want ErrNoPortFound", err)
		}
		if calls != 1 || op.opens != 0 {
			t.Fatalf("discover calls = %d, opens = %d; want 1 and 0", calls, op.opens)
		}
	})
}

func TestLink_ConnectCanceled(t *testing.T) {
	cfg := testLinkConfig()
	cfg.Settle = time.Hour
	link := NewLink(cfg, (&fakeOpener{}).open, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := link.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if link.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", link.State())
	}
}

func TestLink_WriteBeforeConnect(t *testing.T) {
	link := NewLink(testLinkConfig(), (&fakeOpener{}).open, nil, nil)
	if err := link.Send(CmdStop{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestLink_WriteTimeoutFailsFastUntilDrained(t *testing.T) {
	port := &fakePort{blockAfter: 1, unblock: make(chan struct{})}
	cfg := testLinkConfig()
	cfg.WriteTimeout = 30 * time.Millisecond
	link := NewLink(cfg, (&fakeOpener{ports: []*fakePort{port}}).open, nil, nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := link.Send(CmdSpeed{MS: 100})
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("err = %v, want ErrWriteTimeout", err)
	}

	start := time.Now()
	if err := link.Send(CmdStop{}); !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("second write err = %v, want ErrWriteTimeout", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("write behind a stuck one should fail fast")
	}

	close(port.unblock)
	waitUntil(t, time.Second, func() bool {
		return link.Send(CmdStop{}) == nil
	}, "writes did not recover after the stuck write drained")
}

func TestLink_DisconnectSendsStop(t *testing.T) {
	port := &fakePort{reply: []byte("PONG\n")}
	link := NewLink(testLinkConfig(), (&fakeOpener{ports: []*fakePort{port}}).open, nil, nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	link.Disconnect()
	if got := port.output(); got != "PING\nSTOP\n" {
		t.Errorf("port output = %q, want PING then STOP", got)
	}
	if !port.closed {
		t.Error("port not closed")
	}
	if link.State() != Disconnected || link.PortName() != "" {
		t.Errorf("state=%s port=%q after disconnect", link.State(), link.PortName())
	}
}

func TestLink_WriteLinesRejectsLineBreaks(t *testing.T) {
	link := NewLink(testLinkConfig(), (&fakeOpener{}).open, nil, nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := link.WriteLines("CPU:1\nRAM:2"); err == nil {
		t.Fatal("expected error for embedded newline")
	}
	if err := link.WriteLines("SPEED:90"); err != nil {
		t.Fatalf("write raw line: %v", err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestLink_DisconnectAbortsConnectInProgress(t *testing.T) {
	op := &fakeOpener{err: errors.New("device busy")}
	cfg := testLinkConfig()
	cfg.Retries = 5
	cfg.RetryBackoff = 50 * time.Millisecond
	link := NewLink(cfg, op.open, nil, nil)

	done := make(chan error, 1)
	go func() { done <- link.Connect(context.Background()) }()

	waitUntil(t, time.Second, func() bool {
		op.mu.Lock()
		defer op.mu.Unlock()
		return op.opens >= 1
	}, "first connect attempt not made")

	link.Disconnect()

	// The next attempt would succeed if the connect kept going.
	op.mu.Lock()
	op.err = nil
	op.mu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("connect err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("connect did not stop after disconnect")
	}
	if link.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", link.State())
	}
	if link.Generation() != 0 {
		t.Errorf("generation = %d, want 0", link.Generation())
	}
}
