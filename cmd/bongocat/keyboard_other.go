//go:build !linux

package main

import (
	"context"
	"log/slog"
	"time"
)

// runKeyboardReader has no evdev to read outside Linux. The rest of the daemon
// still runs, so it waits for cancellation instead of failing.
func runKeyboardReader(ctx context.Context, _ func() []string, _ time.Duration, _ func(time.Time), logger *slog.Logger) error {
	logger.Warn("keyboard capture is only supported on Linux (evdev); typing will not be detected")
	<-ctx.Done()
	return nil
}
