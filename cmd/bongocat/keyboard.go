package main

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"sort"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// keyboardGlobs locate keyboards without needing to know event numbers.
var keyboardGlobs = []string{
	"/dev/input/by-id/*-event-kbd",
	"/dev/input/by-path/*-event-kbd",
}

// isKeyPress reports whether ev is a key going down. Auto-repeat is not a keystroke.
func isKeyPress(ev inputEvent) bool {
	return ev.Type == EV_KEY && ev.Value == evValuePress
}

// decodeInputEvents parses as many whole events as buf holds.
func decodeInputEvents(buf []byte, out []inputEvent) []inputEvent {
	reader := bytes.NewReader(nil)
	for len(buf) >= inputEventSize {
		reader.Reset(buf[:inputEventSize])
		buf = buf[inputEventSize:]

		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			// Skip malformed events
			continue
		}
		out = append(out, ev)
	}
	return out
}

// findKeyboards expands the globs and resolves symlinks so one physical keyboard
// listed under both by-id and by-path is only opened once.
func findKeyboards(globs []string) []string {
	seen := make(map[string]bool)
	var devices []string
	for _, g := range globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			continue
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if seen[resolved] {
				continue
			}
			seen[resolved] = true
			devices = append(devices, resolved)
		}
	}
	sort.Strings(devices)
	return devices
}
