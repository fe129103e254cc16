//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// epollWaitMS bounds each wait so the reader notices cancellation and rescans.
const epollWaitMS = 250

// keyboardSet tracks the open evdev devices registered with one epoll instance.
type keyboardSet struct {
	epfd   int
	byFD   map[int]*os.File
	byPath map[string]int
	failed map[string]bool // open errors already logged
	logger *slog.Logger
}

// add opens every device in paths that is not already being read.
func (k *keyboardSet) add(paths []string) {
	for _, dev := range paths {
		if _, ok := k.byPath[dev]; ok {
			continue
		}
		// O_NONBLOCK so a rescan never stalls on a path that is not an evdev node.
		f, err := os.OpenFile(dev, os.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			if !k.failed[dev] {
				k.failed[dev] = true
				k.logger.Warn("cannot open keyboard device", "device", dev, "error", err, "tip", "run as root or add user to 'input' group")
			}
			continue
		}
		fd := int(f.Fd())
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(k.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			k.logger.Warn("cannot watch keyboard device", "device", dev, "error", err)
			f.Close()
			continue
		}
		delete(k.failed, dev)
		k.byFD[fd] = f
		k.byPath[dev] = fd
		k.logger.Info("reading keyboard", "device", dev)
	}
}

func (k *keyboardSet) drop(fd int, reason string) {
	f := k.byFD[fd]
	_ = unix.EpollCtl(k.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(k.byFD, fd)
	delete(k.byPath, f.Name())
	k.logger.Warn("keyboard device removed", "device", f.Name(), "reason", reason)
	f.Close()
}

func (k *keyboardSet) closeAll() {
	for _, f := range k.byFD {
		f.Close()
	}
}

// runKeyboardReader reads key presses from all devices with a single epoll loop
// and reports each press to onPress. It returns nil when ctx is canceled.
//
// find is called again every rescan, so keyboards plugged in later are picked up.
// Having no keyboard is not an error: the daemon keeps driving the device (idle,
// stats, time) and waits for one to appear.
func runKeyboardReader(ctx context.Context, find func() []string, rescan time.Duration, onPress func(time.Time), logger *slog.Logger) error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(fd)

	k := &keyboardSet{
		epfd:   fd,
		byFD:   make(map[int]*os.File),
		byPath: make(map[string]int),
		failed: make(map[string]bool),
		logger: logger,
	}
	defer k.closeAll()

	waiting := false
	scan := func() {
		k.add(find())
		switch {
		case len(k.byFD) == 0 && !waiting:
			waiting = true
			logger.Warn("no keyboard devices available, waiting for one", "rescan", rescan, "tip", "set input.devices or check /dev/input permissions")
		case len(k.byFD) > 0:
			waiting = false
		}
	}
	scan()
	lastScan := time.Now()

	const maxEvents = 16
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, inputEventSize*64)
	parsed := make([]inputEvent, 0, 64)

	for {
		if ctx.Err() != nil {
			logger.Debug("keyboard reader stopping (context canceled)")
			return nil
		}
		if rescan > 0 && time.Since(lastScan) >= rescan {
			scan()
			lastScan = time.Now()
		}

		n, err := unix.EpollWait(k.epfd, epollEvents, epollWaitMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			f, ok := k.byFD[fd]
			if !ok {
				continue
			}

			if epollEvents[i].Events&unix.EPOLLIN == 0 && epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				k.drop(fd, "error/hangup")
				continue
			}

			nr, err := f.Read(buf)
			if err != nil || nr == 0 {
				reason := "end of stream"
				if err != nil {
					reason = err.Error()
				}
				k.drop(fd, reason)
				continue
			}

			now := time.Now()
			parsed = decodeInputEvents(buf[:nr], parsed[:0])
			for _, ev := range parsed {
				if isKeyPress(ev) {
					onPress(now)
				}
			}
		}

		if len(k.byFD) == 0 && !waiting {
			waiting = true
			logger.Warn("all keyboard devices were removed, waiting for one", "rescan", rescan)
		}
	}
}
