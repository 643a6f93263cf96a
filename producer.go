package handoff

import (
	"context"

	"github.com/rs/xid"

	"gosuda.org/handoff/internal/protocol"
)

// Produce writes payload into the shared-memory channel described by cfg
//
// The sequence is Start, ResourceAttached, CapacityAcquired,
// CriticalSectionHeld, MessageWritten, Signaled, Detached, Done. A payload
// over cfg.MaxMessage fails with ErrMessageTooLong before any object is
// opened. With no free slot Produce blocks on the empty semaphore, bounded
// by cfg.Timeout when set.
func Produce(ctx context.Context, cfg Config, payload []byte, opts ...Option) (Result, error) {
	o := buildOptions(cfg, opts)
	r := newRun(RoleProducer, TransportShm, o)
	r.enter(StateStart)

	if err := cfg.Validate(); err != nil {
		return r.fail(err)
	}
	if err := protocol.CheckPayload(payload, cfg.MaxMessage); err != nil {
		return r.fail(opError("check payload", ErrMessageTooLong, err))
	}

	ch, err := openChannel(ctx, cfg, RoleProducer, o)
	if err != nil {
		return r.fail(err)
	}
	r.enter(StateResourceAttached)

	id := xid.New()
	seq, err := ch.sendLast(ctx, id, payload)
	if err != nil {
		ch.Close()
		return r.fail(err)
	}

	if err := ch.Close(); err != nil {
		return r.fail(err)
	}
	r.enter(StateDetached)

	r.logger.Info("handoff.produced", "id", id.String(), "seq", seq)
	return r.done(Result{ID: id, Sequence: seq, Payload: payload, Mode: ch.Mode()})
}
