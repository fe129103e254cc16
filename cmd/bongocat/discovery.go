package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrNoPortFound is returned when no serial port looks like a supported board.
var ErrNoPortFound = errors.New("no compatible serial port found")

// PortInfo describes one serial port as seen by discovery.
type PortInfo struct {
	Device       string
	Description  string
	Manufacturer string
	VID          string
	PID          string
}

func (p PortInfo) String() string {
	var parts []string
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	if p.Manufacturer != "" {
		parts = append(parts, p.Manufacturer)
	}
	if p.VID != "" {
		parts = append(parts, p.VID+":"+p.PID)
	}
	if len(parts) == 0 {
		return p.Device
	}
	return fmt.Sprintf("%s (%s)", p.Device, strings.Join(parts, ", "))
}

// boardKeywords are matched case-insensitively against description and manufacturer.
// They cover the USB-UART bridges found on common ESP32 boards.
var boardKeywords = []string{
	"CP210",
	"CH340",
	"CH341",
	"FT232",
	"ESP32",
	"Silicon Labs",
	"QinHeng Electronics",
}

// usbVendors maps USB vendor ids to the manufacturer names the keywords expect.
var usbVendors = map[string]string{
	"10C4": "Silicon Labs",
	"1A86": "QinHeng Electronics",
	"0403": "FTDI",
	"303A": "Espressif",
}

// looksLikeBoard reports whether p matches any board keyword.
func looksLikeBoard(p PortInfo) bool {
	hay := strings.ToLower(p.Description + " " + p.Manufacturer)
	for _, kw := range boardKeywords {
		if strings.Contains(hay, strings.ToLower(kw)) {
			return true
		}
	}
	// Native USB on ESP32-S2/S3/C3 reports the Espressif vendor id.
	return strings.EqualFold(p.VID, "303A")
}

// PickPort chooses the port to use. It returns the first matching port and every
// match so the caller can report ambiguity.
func PickPort(ports []PortInfo) (string, []PortInfo, error) {
	var candidates []PortInfo
	for _, p := range ports {
		if looksLikeBoard(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", nil, noPortError(ports)
	}
	return candidates[0].Device, candidates, nil
}

func noPortError(ports []PortInfo) error {
	if len(ports) == 0 {
		return fmt.Errorf("%w: no serial ports present", ErrNoPortFound)
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.String()
	}
	return fmt.Errorf("%w; available ports: %s", ErrNoPortFound, strings.Join(names, "; "))
}

// listPorts enumerates the serial ports on this machine.
func listPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		p := PortInfo{
			Device:      d.Name,
			Description: d.Product,
		}
		if d.IsUSB {
			p.VID = strings.ToUpper(d.VID)
			p.PID = strings.ToUpper(d.PID)
			p.Manufacturer = usbVendors[p.VID]
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// newPortDiscoverer returns the resolver used by Link for the "AUTO" port.
func newPortDiscoverer(logger *slog.Logger) func() (string, error) {
	return func() (string, error) {
		ports, err := listPorts()
		if err != nil {
			return "", err
		}
		best, candidates, err := PickPort(ports)
		if err != nil {
			return "", err
		}
		if len(candidates) > 1 {
			names := make([]string, len(candidates))
			for i, c := range candidates {
				names[i] = c.String()
			}
			logger.Warn("multiple compatible ports found, using the first", "port", best, "candidates", names)
		} else {
			logger.Info("auto-detected serial port", "port", candidates[0].String())
		}
		return best, nil
	}
}
