// Package loggingutil holds small pslog helpers shared by the handoff packages.
package loggingutil

import (
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins non-empty parts with dots ("handoff", "shm" -> "handoff.shm").
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry of logger with sys=subsystem.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	if subsystem == "" {
		return logger
	}
	return logger.With(pslog.TrustedString("sys"), subsystem)
}

// ParseLevel maps a level name to a pslog level. An empty name yields def.
func ParseLevel(name string, def pslog.Level) (pslog.Level, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return def, true
	}
	return pslog.ParseLevel(strings.ToLower(name))
}
