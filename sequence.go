package handoff

import (
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"gosuda.org/handoff/internal/loggingutil"
)

// Result describes one completed handoff
type Result struct {
	ID       xid.ID      // Handoff identifier carried with the message
	Sequence uint64      // Channel-wide sequence number (shared memory only)
	Payload  []byte      // Message as transferred
	Mode     ChannelMode // Whether this role initialized the ring (shared memory only)

	// Consumer teardown outcome. TeardownErr is set, and the handoff still
	// succeeds, when teardown was refused with ErrChannelBusy.
	TornDown    bool
	TeardownErr error
}

// run tracks one role's walk through its state sequence
type run struct {
	role      Role
	transport Transport
	logger    pslog.Logger
	observer  Observer
}

func newRun(role Role, transport Transport, o *options) *run {
	sys := loggingutil.Subsystem("handoff", transport.String(), role.String())
	return &run{
		role:      role,
		transport: transport,
		logger:    loggingutil.WithSubsystem(o.logger, sys),
		observer:  o.observer,
	}
}

func (r *run) enter(s State) {
	r.logger.Trace("handoff.state", "state", s.String())
	r.observer.StateChanged(r.role, s)
}

func (r *run) fail(err error) (Result, error) {
	r.enter(StateFailed)
	r.observer.Finished(r.role, r.transport, 0, err)
	r.logger.Debug("handoff.failed", "kind", KindName(err), "error", err)
	return Result{}, err
}

func (r *run) done(res Result) (Result, error) {
	r.enter(StateDone)
	r.observer.Finished(r.role, r.transport, len(res.Payload), nil)
	return res, nil
}
