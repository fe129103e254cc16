package main

import "time"

// Linux input event types (from <linux/input.h>)
const (
	EV_KEY = 0x01
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Typing speed estimation
const (
	keystrokeBufferSize = 50  // Recent keystroke timestamps kept in memory
	wpmSampleWindow     = 8   // Only the newest N keystrokes feed the estimate
	charsPerWord        = 5.0 // Industry standard word length
	maxWPM              = 200.0
	minWPMSpanSec       = 0.4                    // Shorter spans produce no estimate
	wpmDebounce         = 250 * time.Millisecond // Cached estimate lifetime
	wpmSmoothPrev       = 0.6
	wpmSmoothRaw        = 0.4
)

// Animation state thresholds (WPM)
const (
	defaultSlowWPM    = 20
	defaultNormalWPM  = 40
	defaultFastWPM    = 65 // Streak ("happy face") threshold
	stateHysteresis   = 2
	idleEnterWPM      = 3 // IDLE -> typing requires at least this much
	idleExitWPM       = 2 // Below this a typing state falls back to IDLE
)

// Behavior defaults
const (
	defaultUpdateHz   = 12  // ~83ms scheduler tick
	defaultIdleSec    = 1.0 // No keystrokes for this long stops the typing animation
	defaultSleepMin   = 1   // Idle this long starts the device sleep progression
	defaultSerialBaud = 115200
)

// Animation interval mapping (ms per frame on the device)
const (
	minAnimationSpeedMS = 500 // Slowest animation (wpm <= 0)
	maxAnimationSpeedMS = 40  // Fastest animation (wpm >= maxWPM)
	speedFloorMS        = 30
	speedCeilingMS      = 500
)

// Dispatch policy
const (
	speedChangeThresholdMS = 25                      // Ignore micro-jitter in SPEED updates
	minIdleCommandInterval = 500 * time.Millisecond  // Rate limit outside active typing
	keepAliveTyping        = 1000 * time.Millisecond // Feed the device at least this often while typing
	keepAliveIdle          = 4000 * time.Millisecond
)

// Periodic pushes
const (
	statsInterval      = 2 * time.Second
	timeSyncInterval   = 30 * time.Second
	configPushSpacing  = 100 * time.Millisecond // Gap between config lines so the MCU can keep up
	telemetryBackoff   = 1 * time.Second
	shutdownJoinWindow = 3 * time.Second
	keyboardRescan     = 5 * time.Second // Look for newly plugged keyboards
)

// Serial link defaults
const (
	defaultWriteTimeoutMS   = 1000
	defaultConnectRetries   = 6
	defaultRetryBackoffMS   = 2000
	defaultHandshakeWaitMS  = 100
	defaultSettleMS         = 2000 // ESP32 boards reset when the port is opened
	handshakeReadBufferSize = 256
)
