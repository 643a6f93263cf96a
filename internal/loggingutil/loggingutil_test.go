package loggingutil

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"handoff"}, "handoff"},
		{[]string{"handoff", "", ".shm."}, "handoff.shm"},
		{[]string{" ", "."}, ""},
	}
	for _, tt := range tests {
		if got := Subsystem(tt.parts...); got != tt.want {
			t.Errorf("Subsystem(%q) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestEnsureLogger(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("EnsureLogger(nil) returned nil")
	}
	// Must not panic
	NoopLogger().Info("discarded", "k", "v")
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	WithSubsystem(base, "handoff.producer").Info("sent")
	if !strings.Contains(buf.String(), "handoff.producer") {
		t.Fatalf("entry %q lacks subsystem", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, ok := ParseLevel("", pslog.InfoLevel); !ok || lvl != pslog.InfoLevel {
		t.Fatalf("ParseLevel(\"\") = %v, %v", lvl, ok)
	}
	if lvl, ok := ParseLevel("DEBUG", pslog.InfoLevel); !ok || lvl != pslog.DebugLevel {
		t.Fatalf("ParseLevel(DEBUG) = %v, %v", lvl, ok)
	}
	if _, ok := ParseLevel("chatty", pslog.InfoLevel); ok {
		t.Fatal("ParseLevel accepted an unknown level")
	}
}
