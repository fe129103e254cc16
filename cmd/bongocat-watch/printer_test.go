package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinterFormatsEvents(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  []string
	}{
		{
			name:  "init",
			frame: `{"type":"state_init","ts":"2026-01-02T10:00:00Z","data":{"connection":"connected","port":"/dev/ttyACM0","typing":false}}`,
			want:  []string{"[INIT]", "connected", "on /dev/ttyACM0", "idle"},
		},
		{
			name:  "connection",
			frame: `{"type":"connection_changed","data":{"state":"error"}}`,
			want:  []string{"[LINK]", "error"},
		},
		{
			name:  "typing",
			frame: `{"type":"typing_changed","data":{"typing":true,"wpm":72.4}}`,
			want:  []string{"[TYPING]", "typing (72.4 WPM)"},
		},
		{
			name:  "stats without gpu sensor",
			frame: `{"type":"stats","data":{"cpu":7,"ram":51,"cpu_temp":48,"gpu_temp":0,"wpm":30}}`,
			want:  []string{"[STATS]", "cpu   7%", "gpu n/a", "wpm 30"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			newPrinter(&out, false).handle([]byte(tt.frame))
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output %q missing %q", out.String(), w)
				}
			}
		})
	}
}

func TestPrinterSuppressesStats(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, false)
	p.showStats = false
	p.handle([]byte(`{"type":"stats","data":{"cpu":1}}`))
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestPrinterPassesThroughNonJSON(t *testing.T) {
	var out bytes.Buffer
	newPrinter(&out, false).handle([]byte("hello"))
	if got := out.String(); got != "[TEXT] hello\n" {
		t.Fatalf("output = %q", got)
	}
}
