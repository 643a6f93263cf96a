package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"

	"gosuda.org/handoff/internal/protocol"
	"gosuda.org/handoff/internal/stream"
)

// SendStream delivers payload to a consumer listening on cfg.SocketPath
// With cfg.ConnectWait set it first waits that long for the endpoint to
// appear, so the producer may be started before the consumer.
func SendStream(ctx context.Context, cfg Config, payload []byte, opts ...Option) (Result, error) {
	o := buildOptions(cfg, opts)
	r := newRun(RoleProducer, TransportStream, o)
	r.enter(StateStart)

	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = protocol.DefaultMaxMessage
	}
	if err := protocol.CheckPayload(payload, cfg.MaxMessage); err != nil {
		return r.fail(opError("check payload", ErrMessageTooLong, err))
	}

	if cfg.ConnectWait > 0 {
		start := time.Now()
		err := stream.WaitForEndpoint(ctx, cfg.SocketPath, cfg.ConnectWait)
		o.observer.Waited(RoleProducer, "endpoint", time.Since(start))
		if err != nil {
			if errors.Is(err, stream.ErrEndpointMissing) {
				return r.fail(opError("wait for endpoint", ErrTimeout, err))
			}
			return r.fail(waitError("wait for endpoint", err))
		}
	}

	id := xid.New()
	if err := stream.Send(ctx, cfg.SocketPath, id, payload); err != nil {
		if ctx.Err() != nil {
			return r.fail(waitError("send", ctx.Err()))
		}
		return r.fail(opError("send", ErrTransfer, err))
	}
	r.enter(StateMessageWritten)
	r.enter(StateDetached)

	r.logger.Info("handoff.sent", "id", id.String(), "endpoint", cfg.SocketPath)
	return r.done(Result{ID: id, Payload: payload})
}

// ReceiveStream binds cfg.SocketPath, accepts one producer and returns its
// message. The endpoint path is removed before binding and after use.
// cfg.Timeout bounds the wait for the producer.
func ReceiveStream(ctx context.Context, cfg Config, opts ...Option) (Result, error) {
	o := buildOptions(cfg, opts)
	r := newRun(RoleConsumer, TransportStream, o)
	r.enter(StateStart)

	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = protocol.DefaultMaxMessage
	}

	ln, err := stream.Listen(cfg.SocketPath)
	if err != nil {
		return r.fail(opError("listen", ErrResourceUnavailable, err))
	}
	r.enter(StateResourceAttached)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	id, payload, err := ln.Receive(ctx, cfg.MaxMessage)
	o.observer.Waited(RoleConsumer, "endpoint", time.Since(start))
	cerr := ln.Close()
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return r.fail(waitError("receive", err))
		case errors.Is(err, protocol.ErrMessageTooLong):
			return r.fail(opError("receive", ErrMessageTooLong, err))
		default:
			return r.fail(opError("receive", ErrTransfer, err))
		}
	}
	r.enter(StateMessageRead)
	if cerr != nil {
		return r.fail(opError("close endpoint", ErrResourceUnavailable, cerr))
	}
	r.enter(StateDetached)

	r.logger.Info("handoff.received", "id", id.String(), "endpoint", cfg.SocketPath)
	return r.done(Result{ID: id, Payload: payload})
}
