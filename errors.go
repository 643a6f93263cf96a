package handoff

import (
	"context"
	"errors"
	"strings"

	"gosuda.org/handoff/internal/protocol"
)

// Error kinds for handoff operations
// Every failure returned by this package is an *OpError whose Kind is one of
// these, so callers can branch with errors.Is.
var (
	ErrInvalidArguments    = errors.New("handoff: invalid arguments")
	ErrMessageTooLong      = protocol.ErrMessageTooLong
	ErrResourceUnavailable = errors.New("handoff: shared resource unavailable")
	ErrMappingFailed       = errors.New("handoff: mapping failed")
	ErrSynchronization     = errors.New("handoff: synchronization failure")
	ErrTransfer            = errors.New("handoff: transfer failure")
	ErrTimeout             = errors.New("handoff: operation timed out")
	ErrChannelBusy         = errors.New("handoff: channel still in use")
	ErrCorrupted           = protocol.ErrCorrupted
)

// OpError describes a failed step of a handoff
type OpError struct {
	Op   string // Failing operation, e.g. "acquire empty"
	Kind error  // One of the Err* kinds above
	Err  error  // Underlying cause, may be nil
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Err == nil {
		b.WriteString(e.Kind.Error())
		return b.String()
	}
	if errors.Is(e.Err, e.Kind) {
		b.WriteString(e.Err.Error())
		return b.String()
	}
	b.WriteString(e.Kind.Error())
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind error, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// waitError classifies the outcome of a blocking wait
// An expired deadline is a Timeout; cancellation keeps context.Canceled
// visible so callers can tell an interrupt from a failure.
func waitError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return opError(op, ErrTimeout, err)
	}
	return opError(op, ErrSynchronization, err)
}

var kindNames = []struct {
	kind error
	name string
}{
	{ErrInvalidArguments, "invalid_arguments"},
	{ErrMessageTooLong, "message_too_long"},
	{ErrResourceUnavailable, "resource_unavailable"},
	{ErrMappingFailed, "mapping_failed"},
	{ErrSynchronization, "synchronization"},
	{ErrTransfer, "transfer"},
	{ErrTimeout, "timeout"},
	{ErrChannelBusy, "channel_busy"},
	{ErrCorrupted, "corrupted"},
}

// KindName returns a short stable label for the kind of err
// It is "none" for nil and "unknown" for errors outside the taxonomy.
func KindName(err error) string {
	if err == nil {
		return "none"
	}
	var oe *OpError
	if errors.As(err, &oe) {
		err = oe.Kind
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "unknown"
}
