package main

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// TelemetryRequest selects the optional (and slow) readings.
type TelemetryRequest struct {
	CPUTemp bool
	GPUTemp bool
}

// TelemetryProvider reads host statistics. Sample may block for about a second
// (CPU usage is measured over an interval).
type TelemetryProvider interface {
	Sample(ctx context.Context, req TelemetryRequest) (TelemetrySnapshot, error)
}

// hostTelemetry samples the local machine through gopsutil.
type hostTelemetry struct {
	interval time.Duration
	logger   *slog.Logger
}

func newHostTelemetry(logger *slog.Logger) *hostTelemetry {
	if logger == nil {
		logger = discardLogger()
	}
	return &hostTelemetry{interval: time.Second, logger: logger}
}

// Sample returns CPU and memory usage in percent plus the requested temperatures in
// whole degrees Celsius. A temperature that can't be read is reported as 0.
func (h *hostTelemetry) Sample(ctx context.Context, req TelemetryRequest) (TelemetrySnapshot, error) {
	pcts, err := cpu.PercentWithContext(ctx, h.interval, false)
	if err != nil {
		return TelemetrySnapshot{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return TelemetrySnapshot{}, err
	}

	snap := TelemetrySnapshot{
		RAM:       percentInt(vm.UsedPercent),
		SampledAt: time.Now(),
	}
	if len(pcts) > 0 {
		snap.CPU = percentInt(pcts[0])
	}

	if req.CPUTemp || req.GPUTemp {
		temps, err := host.SensorsTemperaturesWithContext(ctx)
		if err != nil && len(temps) == 0 {
			// Most VMs and many laptops expose no sensors at all.
			h.logger.Debug("temperature sensors unavailable", "error", err)
		}
		cpuT, gpuT := pickTemperatures(temps)
		if req.CPUTemp {
			snap.CPUTemp = cpuT
		}
		if req.GPUTemp {
			snap.GPUTemp = gpuT
		}
	}
	return snap, nil
}

// cpuSensorHints and gpuSensorHints are matched against lowercase sensor keys,
// in priority order.
var (
	cpuSensorHints = []string{"coretemp_package", "k10temp_tctl", "k10temp", "coretemp", "cpu", "package", "tdie", "tctl"}
	gpuSensorHints = []string{"amdgpu", "nouveau", "nvidia", "radeon", "gpu"}
)

// pickTemperatures chooses a CPU and a GPU reading from the sensor list.
func pickTemperatures(temps []host.TemperatureStat) (cpuT, gpuT int) {
	return pickSensor(temps, cpuSensorHints), pickSensor(temps, gpuSensorHints)
}

func pickSensor(temps []host.TemperatureStat, hints []string) int {
	for _, hint := range hints {
		for _, t := range temps {
			if t.Temperature <= 0 {
				continue
			}
			if strings.Contains(strings.ToLower(t.SensorKey), hint) {
				return int(math.Round(t.Temperature))
			}
		}
	}
	return 0
}

func percentInt(v float64) int {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

// runTelemetrySampler refreshes the engine's telemetry snapshot until ctx is canceled.
// The provider's own blocking (about one second) sets the cadence.
func runTelemetrySampler(ctx context.Context, engine *Engine, provider TelemetryProvider, logger *slog.Logger) error {
	logger.Debug("telemetry sampler starting")
	for {
		if ctx.Err() != nil {
			logger.Debug("telemetry sampler stopping (context canceled)")
			return nil
		}

		snap, err := provider.Sample(ctx, engine.TelemetryRequest())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("telemetry sample failed", "error", err)
			if sleepCtx(ctx, telemetryBackoff) != nil {
				return nil
			}
			continue
		}
		engine.SetTelemetry(snap)
	}
}
