package handoff

import (
	"context"
	"errors"
	"time"

	"gosuda.org/handoff/internal/loggingutil"
	"gosuda.org/handoff/internal/ring"
)

// Report is a read-only view of a channel's process-external objects
type Report struct {
	Exists     bool                       `json:"exists" yaml:"exists"`
	Segment    *SegmentInfo               `json:"segment,omitempty" yaml:"segment,omitempty"`
	Ring       *ring.Stats                `json:"ring,omitempty" yaml:"ring,omitempty"`
	RingError  string                     `json:"ring_error,omitempty" yaml:"ring_error,omitempty"`
	Semaphores map[string]SemaphoreReport `json:"semaphores" yaml:"semaphores"`

	// Set by callers that can check process liveness
	CreatorAlive *bool `json:"creator_alive,omitempty" yaml:"creator_alive,omitempty"`
}

// SemaphoreReport describes one named semaphore
type SemaphoreReport struct {
	Exists bool `json:"exists" yaml:"exists"`
	Value  int  `json:"value" yaml:"value"`
}

// inspectAttachWait bounds the wait for a ring that is still being initialized
const inspectAttachWait = 100 * time.Millisecond

// Inspect reports on the channel described by cfg without creating or
// modifying anything and without taking an attach reference. The segment
// is mapped briefly to read the ring header. Missing objects are reported,
// not treated as errors.
func Inspect(ctx context.Context, cfg Config, opts ...Option) (Report, error) {
	o := buildOptions(cfg, opts)
	rep := Report{Semaphores: make(map[string]SemaphoreReport, 3)}

	seg, err := o.backend.OpenSegment(0, false)
	switch {
	case err == nil:
		rep.Exists = true
		if err := inspectSegment(ctx, seg, &rep); err != nil {
			return rep, err
		}
	case !isNotExist(err):
		return rep, opError("open segment", ErrResourceUnavailable, err)
	}

	for _, name := range []string{cfg.MutexName, cfg.EmptyName, cfg.FullName} {
		s, err := o.backend.OpenSemaphore(name, 0, false)
		if err != nil {
			if isNotExist(err) {
				rep.Semaphores[name] = SemaphoreReport{}
				continue
			}
			return rep, opError("open semaphore "+name, ErrSynchronization, err)
		}
		v, err := s.Value()
		s.Close()
		if err != nil {
			return rep, opError("read semaphore "+name, ErrSynchronization, err)
		}
		rep.Semaphores[name] = SemaphoreReport{Exists: true, Value: v}
	}
	loggingutil.WithSubsystem(o.logger, "handoff.inspect").Debug("channel.inspected", "exists", rep.Exists, "ring_error", rep.RingError)
	return rep, nil
}

func inspectSegment(ctx context.Context, seg Segment, rep *Report) error {
	info, err := seg.Stat()
	if err != nil {
		return opError("stat segment", ErrResourceUnavailable, err)
	}
	rep.Segment = &info

	m, err := seg.Map()
	if err != nil {
		return opError("map segment", ErrMappingFailed, err)
	}
	defer m.Unmap()

	r, err := ring.Attach(ctx, m.Bytes(), inspectAttachWait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return waitError("attach ring", err)
		}
		rep.RingError = err.Error()
		return nil
	}
	stats := r.Snapshot()
	rep.Ring = &stats
	return nil
}
