package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("bongocat v%s\n", version)
	fmt.Println("Typing telemetry daemon for the bongo cat serial display")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  bongocat [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads keystroke timing from Linux input devices, estimates typing speed")
	fmt.Println("  and drives the bongo cat animation on a microcontroller display over a")
	fmt.Println("  serial line. Host CPU/RAM/temperature stats and the clock are pushed to")
	fmt.Println("  the display periodically.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default %q if it exists)\n", defaultConfigPath())
	fmt.Println()
	fmt.Println("  -port string")
	fmt.Println("        Serial port of the display, or AUTO to detect it (default \"AUTO\")")
	fmt.Println()
	fmt.Println("  -baud int")
	fmt.Printf("        Serial baud rate (default %d)\n", defaultSerialBaud)
	fmt.Println()
	fmt.Println("  -require-pong")
	fmt.Println("        Fail the connection if the device does not answer PING")
	fmt.Println()
	fmt.Println("  -update-hz int")
	fmt.Printf("        Scheduler tick rate in Hz (default %d)\n", defaultUpdateHz)
	fmt.Println()
	fmt.Println("  -idle-timeout float")
	fmt.Printf("        Seconds without keystrokes before the animation stops (default %.1f)\n", defaultIdleSec)
	fmt.Println()
	fmt.Println("  -sleep-timeout int")
	fmt.Printf("        Idle minutes before the device starts its sleep progression (default %d)\n", defaultSleepMin)
	fmt.Println()
	fmt.Println("  -input-device string")
	fmt.Println("        Read a single evdev device instead of every detected keyboard")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for bongocat-ctl (default \"/tmp/bongocat.sock\")")
	fmt.Println()
	fmt.Println("  -status-listen string")
	fmt.Println("        Status websocket listen address (default \"127.0.0.1:3002\")")
	fmt.Println()
	fmt.Println("  -status")
	fmt.Println("        Serve the status websocket (default true; -status=false disables)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -list-ports")
	fmt.Println("        List serial ports, mark compatible ones, and exit")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Auto-detect the board and all keyboards")
	fmt.Println("  bongocat")
	fmt.Println()
	fmt.Println("  # Explicit port and keyboard")
	fmt.Println("  bongocat -port /dev/ttyUSB0 -input-device /dev/input/by-id/usb-Keyboard-event-kbd")
	fmt.Println()
	fmt.Println("  # Watch the live status stream")
	fmt.Println("  bongocat-watch -ws ws://127.0.0.1:3002/status")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to input devices (run as root or add user to 'input' group)")
	fmt.Println("  - Requires access to the serial port (usually the 'dialout' or 'uucp' group)")
	fmt.Println("  - The config file is watched; display and behavior changes apply live")
	fmt.Println()
}

func main() {
	// Check for version/help early
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath    = flag.String("config", "", "YAML config file")
		serialPort    = flag.String("port", "AUTO", "Serial port of the display, or AUTO")
		serialBaud    = flag.Int("baud", defaultSerialBaud, "Serial baud rate")
		requirePong   = flag.Bool("require-pong", false, "Fail the connection if the device does not answer PING")
		updateHz      = flag.Int("update-hz", defaultUpdateHz, "Scheduler tick rate in Hz")
		idleTimeout   = flag.Float64("idle-timeout", defaultIdleSec, "Seconds without keystrokes before the animation stops")
		sleepTimeout  = flag.Int("sleep-timeout", defaultSleepMin, "Idle minutes before the sleep progression starts")
		inputDevice   = flag.String("input-device", "", "Read a single evdev device")
		ipcSocketPath = flag.String("ipc-socket", "/tmp/bongocat.sock", "Unix domain socket path for IPC")
		statusListen  = flag.String("status-listen", "127.0.0.1:3002", "Status websocket listen address")
		statusEnabled = flag.Bool("status", true, "Serve the status websocket")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		listPortsOnly = flag.Bool("list-ports", false, "List serial ports and exit")
		showVersion   = flag.Bool("version", false, "Print version and exit")
		showHelp      = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}
	if *listPortsOnly {
		if err := printPorts(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	// Only flags given on the command line override the config file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var overrides FlagOverrides
	if set["port"] {
		overrides.SerialPort = serialPort
	}
	if set["baud"] {
		overrides.SerialBaud = serialBaud
	}
	if set["require-pong"] {
		overrides.RequirePong = requirePong
	}
	if set["update-hz"] {
		overrides.UpdateHz = updateHz
	}
	if set["idle-timeout"] {
		overrides.IdleTimeoutSec = idleTimeout
	}
	if set["sleep-timeout"] {
		overrides.SleepTimeoutMin = sleepTimeout
	}
	if set["input-device"] {
		overrides.InputDevice = inputDevice
	}
	if set["ipc-socket"] {
		overrides.IPCSocketPath = ipcSocketPath
	}
	if set["status-listen"] {
		overrides.StatusListen = statusListen
	}
	if set["status"] {
		overrides.StatusEnabled = statusEnabled
	}
	if set["log-level"] {
		overrides.LogLevel = logLevelStr
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid configuration:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	logger.Debug("starting bongocat", "version", version)
	logger.Debug("configuration",
		"config_file", path,
		"serial_port", cfg.Serial.Port,
		"serial_baud", cfg.Serial.Baud,
		"update_hz", cfg.Behavior.UpdateHz,
		"idle_timeout_sec", cfg.Behavior.IdleTimeoutSec,
		"sleep_timeout_min", cfg.Behavior.SleepTimeoutMin,
		"thresholds", fmt.Sprintf("%.0f/%.0f/%.0f", cfg.Behavior.SlowWPM, cfg.Behavior.NormalWPM, cfg.Behavior.FastWPM),
		"ipc_socket", cfg.IPC.SocketPath,
		"status_enabled", cfg.Status.Enabled,
		"status_listen", cfg.Status.Listen)

	if err := run(cfg, path, overrides, logger); err != nil {
		logger.Error("bongocat stopped", "error", err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file. An explicit path must exist; the default
// path is optional and falls back to built-in defaults.
func loadConfig(explicit string) (Config, string, error) {
	if explicit != "" {
		cfg, err := LoadConfigFile(explicit)
		if err != nil {
			return Config{}, "", err
		}
		return cfg, explicit, nil
	}

	path := defaultConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	cfg, err := LoadConfigFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), "", nil
	}
	if err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// run wires the components together and blocks until a signal arrives or a
// component fails.
func run(cfg Config, configPath string, overrides FlagOverrides, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := NewEngine(cfg.ToEngineConfig(), time.Now())
	store := NewConfigStore(cfg, configPath, overrides, logger.With("component", "config"))

	link := NewLink(cfg.ToLinkConfig(), nil, newPortDiscoverer(logger), logger.With("component", "serial"))

	sinks := multiSink{logSink{logger: logger}}
	var status *StatusServer
	if cfg.Status.Enabled {
		status = NewStatusServer(logger.With("component", "status"), func() StatusSnapshot {
			return buildSnapshot(engine, link)
		}, 0)
		sinks = append(sinks, status)
	}
	link.OnStateChange(sinks.ConnectionChanged)

	scheduler := NewScheduler(engine, link, cfg, sinks, logger.With("component", "scheduler"))
	pushConfig := make(chan struct{}, 1)
	controller := NewController(engine, link, pushConfig, logger.With("component", "control"))

	schedulerConfigs, unsubScheduler := store.Subscribe(4)
	defer unsubScheduler()
	serialConfigs, unsubSerial := store.Subscribe(4)
	defer unsubSerial()

	findDevices := func() []string {
		if len(cfg.Input.Devices) > 0 {
			return cfg.Input.Devices
		}
		return findKeyboards(keyboardGlobs)
	}
	devices := findDevices()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runKeyboardReader(gctx, findDevices, keyboardRescan, func(now time.Time) { engine.OnKeystroke(now) }, logger.With("component", "input"))
	})
	g.Go(func() error {
		return runTelemetrySampler(gctx, engine, newHostTelemetry(logger), logger.With("component", "telemetry"))
	})
	g.Go(func() error {
		return scheduler.Run(gctx, schedulerConfigs, pushConfig)
	})
	g.Go(func() error {
		return store.Run(gctx)
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, controller, logger.With("component", "ipc"))
	})
	g.Go(func() error {
		// A failed connect is not fatal; bongocat-ctl reconnect can retry.
		if err := link.Connect(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("could not connect to device", "error", err, "tip", "check the cable or run bongocat -list-ports")
		}
		return nil
	})
	g.Go(func() error {
		runSerialConfigWatcher(gctx, serialConfigs, cfg.Serial, link, logger)
		return nil
	})
	if status != nil {
		mux := http.NewServeMux()
		status.Register(mux, "/status")
		g.Go(func() error {
			status.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return runStatusServer(gctx, cfg.Status.Listen, mux, logger.With("component", "status"))
		})
	}

	logger.Info("listening", "keyboards", len(devices), "port", cfg.Serial.Port, "ipc", cfg.IPC.SocketPath, "update_rate_hz", cfg.Behavior.UpdateHz)

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("shutting down")
	}

	// Leave the display idle rather than frozen mid-animation.
	link.Disconnect()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(shutdownJoinWindow):
		logger.Warn("shutdown timed out waiting for workers", "timeout", shutdownJoinWindow)
		return nil
	}
}

// runSerialConfigWatcher reconnects when the serial section differs from the one
// the link last got. Changes are compared against applied rather than change.Old
// because a slow reconnect can let the subscription evict intermediate edits.
func runSerialConfigWatcher(ctx context.Context, changes <-chan ConfigChange, applied SerialConfig, link *Link, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if reflect.DeepEqual(applied, change.New.Serial) {
				continue
			}
			applied = change.New.Serial
			link.SetConfig(change.New.ToLinkConfig())
			logger.Info("serial settings changed, reconnecting", "port", change.New.Serial.Port, "baud", change.New.Serial.Baud)
			if err := link.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reconnect after config change failed", "error", err)
			}
		}
	}
}

// printPorts implements -list-ports.
func printPorts() error {
	ports, err := listPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	best, _, _ := PickPort(ports)
	for _, p := range ports {
		mark := " "
		if looksLikeBoard(p) {
			mark = "*"
		}
		if p.Device == best {
			mark = ">"
		}
		fmt.Printf("%s %s\n", mark, p)
	}
	fmt.Println()
	fmt.Println("> selected by AUTO, * compatible")
	return nil
}
