package main

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestControlEnvelopeRoundTrip(t *testing.T) {
	reqs := []ControlRequest{
		Reconnect{},
		Reconnect{Port: "/dev/ttyUSB3"},
		Disconnect{},
		PushConfig{},
		SaveSettings{},
		StatusQuery{},
		SendRaw{Line: "SPEED:90"},
	}
	for _, req := range reqs {
		data, err := MarshalControl(req)
		if err != nil {
			t.Fatalf("marshal %T: %v", req, err)
		}
		got, err := UnmarshalControl(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got != req {
			t.Errorf("round trip %T: got %+v, want %+v", req, got, req)
		}
	}
}

func TestUnmarshalControlRejects(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"unknown type", `{"type":"volume_up"}`, "unknown request type"},
		{"not json", `hello`, "unmarshal envelope"},
		{"raw newline", `{"type":"send_raw","data":{"line":"A\nB"}}`, "line breaks"},
		{"raw empty", `{"type":"send_raw","data":{"line":""}}`, "empty"},
		{"raw non-ascii", `{"type":"send_raw","data":{"line":"SPEED:é"}}`, "printable ASCII"},
		{"raw too long", `{"type":"send_raw","data":{"line":"` + strings.Repeat("A", maxRawLineLen+1) + `"}}`, "longer than"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalControl([]byte(tt.in))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

// fakeControl records requests and answers with a canned result.
type fakeControl struct {
	mu   sync.Mutex
	reqs []ControlRequest
}

func (f *fakeControl) Handle(_ context.Context, req ControlRequest) (any, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	switch req.(type) {
	case StatusQuery:
		return StatusSnapshot{Connection: "connected", Port: "/dev/ttyACM0", WPM: 42.5}, nil
	case PushConfig:
		return nil, ErrNotConnected
	default:
		return nil, nil
	}
}

func startIPC(t *testing.T, handler ControlHandler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "bongocat.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, socket, handler, discardLogger()) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("ipc server: %v", err)
			}
		case <-time.After(time.Second):
			t.Error("ipc server did not stop")
		}
	})

	waitUntil(t, time.Second, func() bool {
		_, err := SendControl(socket, Disconnect{}, 100*time.Millisecond)
		return err == nil
	}, "ipc server not listening")
	return socket
}

func TestIPC_StatusQuery(t *testing.T) {
	handler := &fakeControl{}
	socket := startIPC(t, handler)

	data, err := SendControl(socket, StatusQuery{}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if snap.Connection != "connected" || snap.Port != "/dev/ttyACM0" || snap.WPM != 42.5 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestIPC_HandlerErrorIsReported(t *testing.T) {
	socket := startIPC(t, &fakeControl{})

	_, err := SendControl(socket, PushConfig{}, time.Second)
	if err == nil || !strings.Contains(err.Error(), ErrNotConnected.Error()) {
		t.Fatalf("err = %v, want daemon error mentioning %q", err, ErrNotConnected)
	}
}

func TestIPC_ArgumentsReachHandler(t *testing.T) {
	handler := &fakeControl{}
	socket := startIPC(t, handler)

	if _, err := SendControl(socket, Reconnect{Port: "/dev/ttyUSB9"}, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	last := handler.reqs[len(handler.reqs)-1]
	if r, ok := last.(Reconnect); !ok || r.Port != "/dev/ttyUSB9" {
		t.Fatalf("handler got %#v", last)
	}
}

func TestController_PushConfigRequiresConnection(t *testing.T) {
	engine := NewEngine(EngineConfig{}, time.Now())
	link := NewLink(testLinkConfig(), (&fakeOpener{}).open, nil, nil)
	push := make(chan struct{}, 1)
	c := NewController(engine, link, push, nil)

	if _, err := c.Handle(context.Background(), PushConfig{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	if _, err := c.Handle(context.Background(), Reconnect{Port: "/dev/ttyUSB2"}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if link.PortName() != "/dev/ttyUSB2" {
		t.Fatalf("port = %q", link.PortName())
	}

	// Two requests in a row collapse into one pending push.
	for i := 0; i < 2; i++ {
		if _, err := c.Handle(context.Background(), PushConfig{}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if len(push) != 1 {
		t.Fatalf("pending pushes = %d, want 1", len(push))
	}

	res, err := c.Handle(context.Background(), StatusQuery{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap := res.(StatusSnapshot); snap.Connection != "connected" || snap.Generation != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	if _, err := c.Handle(context.Background(), Disconnect{}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if link.State() != Disconnected {
		t.Errorf("state = %s after disconnect", link.State())
	}
}
