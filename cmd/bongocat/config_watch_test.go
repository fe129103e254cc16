package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigStore_SetNotifiesLatestWins(t *testing.T) {
	store := NewConfigStore(DefaultConfig(), "", FlagOverrides{}, nil)
	ch, unsubscribe := store.Subscribe(1)
	defer unsubscribe()

	// Unchanged config: no notification.
	store.Set(DefaultConfig())
	select {
	case c := <-ch:
		t.Fatalf("unexpected change: %+v", c)
	default:
	}

	first := DefaultConfig()
	first.Behavior.UpdateHz = 20
	second := DefaultConfig()
	second.Behavior.UpdateHz = 30
	store.Set(first)
	store.Set(second)

	select {
	case c := <-ch:
		if c.New.Behavior.UpdateHz != 30 {
			t.Fatalf("got update_hz %d, want latest (30)", c.New.Behavior.UpdateHz)
		}
		if c.Old.Behavior.UpdateHz != 20 {
			t.Errorf("old update_hz = %d, want 20", c.Old.Behavior.UpdateHz)
		}
	default:
		t.Fatal("expected a pending change")
	}
	if store.Current().Behavior.UpdateHz != 30 {
		t.Errorf("current update_hz = %d", store.Current().Behavior.UpdateHz)
	}
}

func TestConfigStore_UnsubscribeClosesChannel(t *testing.T) {
	store := NewConfigStore(DefaultConfig(), "", FlagOverrides{}, nil)
	ch, unsubscribe := store.Subscribe(1)
	unsubscribe()
	unsubscribe() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}

	cfg := DefaultConfig()
	cfg.Behavior.UpdateHz = 5
	store.Set(cfg) // must not panic on the closed channel
}

func TestConfigStore_ReloadKeepsConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "behavior:\n  update_hz: 25\n")

	hz := 15
	store := NewConfigStore(DefaultConfig(), path, FlagOverrides{UpdateHz: &hz}, nil)

	writeFile(t, path, "behavior:\n  sleep_timeout_min: 3\n")
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	cur := store.Current()
	if cur.Behavior.SleepTimeoutMin != 3 {
		t.Errorf("sleep timeout = %d, want 3", cur.Behavior.SleepTimeoutMin)
	}
	if cur.Behavior.UpdateHz != 15 {
		t.Errorf("update_hz = %d, want flag override 15", cur.Behavior.UpdateHz)
	}

	writeFile(t, path, "behavior:\n  sleep_timeout_min: 0\n")
	if err := store.Reload(); err == nil {
		t.Fatal("expected validation error")
	}
	if store.Current().Behavior.SleepTimeoutMin != 3 {
		t.Error("invalid reload replaced the config")
	}

	writeFile(t, path, "behavior: [\n")
	if err := store.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if store.Current().Behavior.SleepTimeoutMin != 3 {
		t.Error("broken reload replaced the config")
	}
}

func TestConfigStore_RunReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "")

	store := NewConfigStore(DefaultConfig(), path, FlagOverrides{}, nil)
	ch, unsubscribe := store.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Run(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "display:\n  show_gpu_temp: true\n")

	select {
	case c := <-ch:
		if !c.New.Display.ShowGPUTemp {
			t.Fatalf("reloaded config = %+v", c.New.Display)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after file write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSerialConfigWatcher_ReconnectsAfterEvictedSerialEdit(t *testing.T) {
	base := DefaultConfig()
	base.Serial.Port = "/dev/ttyTEST0"
	base.Serial.SettleMS = 0
	base.Serial.HandshakeWaitMS = 20
	base.Serial.ConnectRetries = 1

	store := NewConfigStore(base, "", FlagOverrides{}, nil)
	ch, unsubscribe := store.Subscribe(1)
	defer unsubscribe()

	// The port edit is evicted by the display edit that follows it, so the
	// delivered change has Old.Serial == New.Serial.
	portEdit := base
	portEdit.Serial.Port = "/dev/ttyUSB7"
	displayEdit := portEdit
	displayEdit.Display.ShowTime = !displayEdit.Display.ShowTime
	store.Set(portEdit)
	store.Set(displayEdit)

	op := &fakeOpener{}
	link := NewLink(base.ToLinkConfig(), op.open, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSerialConfigWatcher(ctx, ch, base.Serial, link, discardLogger())
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitUntil(t, time.Second, func() bool { return link.State() == Connected }, "link did not reconnect")
	if link.PortName() != "/dev/ttyUSB7" {
		t.Fatalf("port = %q, want /dev/ttyUSB7", link.PortName())
	}
}
