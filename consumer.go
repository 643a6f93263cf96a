package handoff

import (
	"context"
	"errors"
)

// Consume reads one message from the shared-memory channel described by cfg
//
// The sequence is Start, ResourceAttached, FullnessAcquired,
// CriticalSectionHeld, MessageRead, Signaled, Detached, then TornDown when the
// channel was removed, and Done. Consume blocks on the full semaphore until a
// producer has written, bounded by cfg.Timeout when set.
//
// With cfg.Teardown the channel is removed after the read, but only when no
// other role is attached and nothing is left unread; otherwise the Result
// carries an ErrChannelBusy in TeardownErr and the handoff still succeeds.
// cfg.ForceTeardown removes it unconditionally.
func Consume(ctx context.Context, cfg Config, opts ...Option) (Result, error) {
	o := buildOptions(cfg, opts)
	r := newRun(RoleConsumer, TransportShm, o)
	r.enter(StateStart)

	if err := cfg.Validate(); err != nil {
		return r.fail(err)
	}

	ch, err := openChannel(ctx, cfg, RoleConsumer, o)
	if err != nil {
		return r.fail(err)
	}
	r.enter(StateResourceAttached)

	rec, err := ch.Receive(ctx)
	if err != nil {
		ch.Close()
		return r.fail(err)
	}

	if err := ch.Close(); err != nil {
		return r.fail(err)
	}
	r.enter(StateDetached)

	res := Result{ID: rec.ID, Sequence: rec.Sequence, Payload: rec.Payload, Mode: ch.Mode()}
	if cfg.Teardown || cfg.ForceTeardown {
		err := ch.Teardown(cfg.ForceTeardown)
		switch {
		case err == nil:
			res.TornDown = true
			r.enter(StateTornDown)
		case errors.Is(err, ErrChannelBusy):
			res.TeardownErr = err
			r.logger.Warn("channel.teardown.skipped", "error", err)
		default:
			return r.fail(err)
		}
	}

	r.logger.Info("handoff.consumed", "id", rec.ID.String(), "seq", rec.Sequence)
	return r.done(res)
}
