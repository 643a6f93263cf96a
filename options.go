package handoff

import (
	"time"

	"pkt.systems/pslog"

	"gosuda.org/handoff/internal/loggingutil"
)

// Observer is notified as a role moves through its sequence
// Implementations must be safe for concurrent use when roles share them.
type Observer interface {
	// StateChanged reports that role entered state
	StateChanged(role Role, state State)
	// Waited reports how long role blocked on the named semaphore or endpoint
	Waited(role Role, what string, d time.Duration)
	// Finished reports the outcome of one handoff; err is nil on success
	Finished(role Role, transport Transport, size int, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(Role, State)             {}
func (nopObserver) Waited(Role, string, time.Duration)   {}
func (nopObserver) Finished(Role, Transport, int, error) {}

// Option customizes Open, Produce, Consume and the stream helpers
type Option func(*options)

type options struct {
	backend  Backend
	logger   pslog.Logger
	observer Observer
}

func buildOptions(cfg Config, opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.backend == nil {
		o.backend = SystemBackendFor(cfg)
	}
	o.logger = loggingutil.EnsureLogger(o.logger)
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}

// WithBackend replaces the system backend, typically with a MemoryBackend
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger sets the logger; a disabled logger is used by default
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers an observer
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}
