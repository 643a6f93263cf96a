package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"gosuda.org/handoff/internal/loggingutil"
	"gosuda.org/handoff/internal/protocol"
	"gosuda.org/handoff/internal/ring"
)

// ChannelMode tells whether this process initialized the ring
type ChannelMode uint8

const (
	ChannelModePrimary   ChannelMode = iota // Initialized the ring in a fresh segment
	ChannelModeSecondary                    // Attached to a ring initialized elsewhere
)

func (m ChannelMode) String() string {
	if m == ChannelModePrimary {
		return "primary"
	}
	return "secondary"
}

// Channel Memory Layout:
//
// The shared segment holds a single ring:
//
// <<<< SEGMENT_START
// RING_HEADER (128 bytes)      // geometry, cursors, attach count, sequence
// SLOT 0 .. SLOT depth-1       // record header + payload, 8-byte aligned
// <<<< SEGMENT_END
//
// The three semaphores live outside the segment:
//
//	mutex  initial 1      guards the ring cursors and slots
//	empty  initial depth  free slots
//	full   initial 0      unread slots

// Channel is one process's attachment to a bounded handoff channel
// A Channel is used by a single goroutine; separate roles open separate
// Channels, exactly as separate processes would.
type Channel struct {
	cfg      Config
	role     Role
	mode     ChannelMode
	backend  Backend
	logger   pslog.Logger
	observer Observer

	seg     Segment
	mapping Mapping
	ring    *ring.Ring

	mutex Semaphore
	empty Semaphore
	full  Semaphore

	referenced bool
	closed     bool

	// Captured at Close for the teardown decision
	remaining int
	unread    int
}

// Open attaches role to the channel described by cfg
//
// A producer always creates missing objects. A consumer creates them too
// unless cfg.RequireExisting is set, in which case a missing segment fails
// with ErrResourceUnavailable. Creation is idempotent: existing objects are
// reused with their current geometry and counts.
func Open(ctx context.Context, cfg Config, role Role, opts ...Option) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if role != RoleProducer && role != RoleConsumer {
		return nil, opError("open channel", ErrInvalidArguments, fmt.Errorf("unknown role %s", role))
	}
	return openChannel(ctx, cfg, role, buildOptions(cfg, opts))
}

func openChannel(ctx context.Context, cfg Config, role Role, o *options) (*Channel, error) {
	create := role == RoleProducer || !cfg.RequireExisting
	c := &Channel{
		cfg:      cfg,
		role:     role,
		mode:     ChannelModeSecondary,
		backend:  o.backend,
		logger:   loggingutil.WithSubsystem(o.logger, loggingutil.Subsystem("handoff", "channel")).With("role", role.String()),
		observer: o.observer,
	}

	seg, err := o.backend.OpenSegment(ring.Size(cfg.QueueDepth, cfg.MaxMessage), create)
	if err != nil {
		return nil, opError("open segment", ErrResourceUnavailable, err)
	}
	c.seg = seg

	m, err := seg.Map()
	if err != nil {
		return nil, opError("map segment", ErrMappingFailed, err)
	}
	c.mapping = m
	buf := m.Bytes()

	// Anything but a blank region or a ring header was left by another program
	if ring.Foreign(buf) {
		c.release()
		return nil, opError("attach ring", ErrResourceUnavailable, errForeignSegment)
	}

	attachWait := cfg.AttachTimeout
	tooSmall := false
	if create {
		// A smaller existing segment was created with another geometry; its
		// header is authoritative, so fall through to Attach.
		initialized, err := ring.Init(buf, cfg.QueueDepth, cfg.MaxMessage)
		switch {
		case errors.Is(err, ring.ErrTooSmall):
			tooSmall = true
			if attachWait <= 0 || attachWait > smallSegmentWait {
				attachWait = smallSegmentWait
			}
		case err != nil:
			c.release()
			return nil, opError("init ring", ErrMappingFailed, err)
		}
		if initialized {
			c.mode = ChannelModePrimary
		}
	}

	r, err := ring.Attach(ctx, buf, attachWait)
	if err != nil {
		c.release()
		switch {
		case errors.Is(err, ring.ErrNotInitialized) && tooSmall:
			return nil, opError("attach ring", ErrResourceUnavailable,
				fmt.Errorf("%w: blank %s segment is too small for this channel, remove it with cleanup", err, humanize.IBytes(uint64(len(buf)))))
		case errors.Is(err, ring.ErrNotInitialized):
			return nil, opError("attach ring", ErrTimeout, err)
		case ctx.Err() != nil:
			return nil, waitError("attach ring", err)
		}
		return nil, opError("attach ring", ErrMappingFailed, err)
	}
	c.ring = r

	if c.mutex, err = c.openSemaphore(cfg.MutexName, 1, create); err != nil {
		return nil, err
	}
	if c.empty, err = c.openSemaphore(cfg.EmptyName, r.Slots(), create); err != nil {
		return nil, err
	}
	if c.full, err = c.openSemaphore(cfg.FullName, 0, create); err != nil {
		return nil, err
	}

	attached := r.Ref()
	c.referenced = true

	c.logger.Debug("channel.open",
		"mode", c.mode.String(),
		"slots", r.Slots(),
		"capacity", humanize.IBytes(uint64(r.Capacity())),
		"segment", humanize.IBytes(uint64(seg.Size())),
		"attached", attached,
	)
	if r.Slots() != cfg.QueueDepth || r.Capacity() != cfg.MaxMessage {
		c.logger.Info("channel.geometry.existing",
			"requested_slots", cfg.QueueDepth,
			"slots", r.Slots(),
			"requested_capacity", cfg.MaxMessage,
			"capacity", r.Capacity(),
		)
	}
	return c, nil
}

func (c *Channel) openSemaphore(name string, initial int, create bool) (Semaphore, error) {
	s, err := c.backend.OpenSemaphore(name, uint32(initial), create)
	if err != nil {
		c.release()
		return nil, opError("open semaphore "+name, ErrSynchronization, err)
	}
	return s, nil
}

// Mode reports whether this process initialized the ring
func (c *Channel) Mode() ChannelMode { return c.mode }

// Slots returns the channel's queue depth
func (c *Channel) Slots() int { return c.ring.Slots() }

// Capacity returns the payload bound of the channel
func (c *Channel) Capacity() int { return c.ring.Capacity() }

// Stats returns the ring header counters
func (c *Channel) Stats() ring.Stats { return c.ring.Snapshot() }

func (c *Channel) enter(s State) {
	c.logger.Trace("handoff.state", "state", s.String())
	c.observer.StateChanged(c.role, s)
}

// acquire waits on s, bounded by the configured timeout
func (c *Channel) acquire(ctx context.Context, s Semaphore, what string) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := s.Acquire(ctx)
	waited := time.Since(start)
	c.observer.Waited(c.role, what, waited)
	if err != nil {
		return waitError("acquire "+what, err)
	}
	c.logger.Trace("semaphore.acquired", "sem", what, "waited", waited)
	return nil
}

func (c *Channel) post(s Semaphore, what string) error {
	if err := s.Release(); err != nil {
		return opError("release "+what, ErrSynchronization, err)
	}
	return nil
}

var (
	errChannelClosed  = errors.New("channel is closed")
	errForeignSegment = errors.New("segment holds no handoff ring, remove it with cleanup")
)

// smallSegmentWait bounds the wait on an existing segment too small for the
// requested geometry, which only a peer with another geometry can initialize
const smallSegmentWait = 250 * time.Millisecond

// Send hands payload to the channel
// It blocks until a slot is free, writes the record at the ring tail under
// the mutex, then posts full. It returns the sequence number of the record.
func (c *Channel) Send(ctx context.Context, id xid.ID, payload []byte) (uint64, error) {
	return c.send(ctx, id, payload, false)
}

// sendLast is Send for a role that detaches right after
// The attach reference is dropped inside the critical section, so a consumer
// woken by this record already sees the producer gone when it decides on
// teardown.
func (c *Channel) sendLast(ctx context.Context, id xid.ID, payload []byte) (uint64, error) {
	return c.send(ctx, id, payload, true)
}

func (c *Channel) send(ctx context.Context, id xid.ID, payload []byte, last bool) (uint64, error) {
	if c.closed {
		return 0, opError("send", ErrInvalidArguments, errChannelClosed)
	}
	// Checked before any acquisition so an oversized payload has no side effects
	if err := protocol.CheckPayload(payload, c.ring.Capacity()); err != nil {
		return 0, opError("check payload", ErrMessageTooLong, err)
	}

	if err := c.acquire(ctx, c.empty, "empty"); err != nil {
		return 0, err
	}
	c.enter(StateCapacityAcquired)

	if err := c.acquire(ctx, c.mutex, "mutex"); err != nil {
		c.empty.Release()
		return 0, err
	}
	c.enter(StateCriticalSectionHeld)

	seq, err := c.ring.Push(id, payload)
	if err != nil {
		c.mutex.Release()
		c.empty.Release()
		return 0, ringError("write record", err)
	}
	c.enter(StateMessageWritten)
	if last && c.referenced {
		c.remaining = c.ring.Unref()
		c.referenced = false
	}

	// Mutex first, so the woken consumer can take it right away
	if err := c.post(c.mutex, "mutex"); err != nil {
		return seq, err
	}
	if err := c.post(c.full, "full"); err != nil {
		return seq, err
	}
	c.enter(StateSignaled)

	c.logger.Debug("handoff.sent", "id", id.String(), "seq", seq, "size", humanize.IBytes(uint64(len(payload))))
	return seq, nil
}

// Receive takes the oldest unread record from the channel
// It blocks until a record is available, pops it from the ring head under
// the mutex, then posts empty.
func (c *Channel) Receive(ctx context.Context) (protocol.Record, error) {
	if c.closed {
		return protocol.Record{}, opError("receive", ErrInvalidArguments, errChannelClosed)
	}

	if err := c.acquire(ctx, c.full, "full"); err != nil {
		return protocol.Record{}, err
	}
	c.enter(StateFullnessAcquired)

	if err := c.acquire(ctx, c.mutex, "mutex"); err != nil {
		c.full.Release()
		return protocol.Record{}, err
	}
	c.enter(StateCriticalSectionHeld)

	rec, err := c.ring.Pop()
	if err != nil {
		c.mutex.Release()
		c.full.Release()
		return protocol.Record{}, ringError("read record", err)
	}
	c.enter(StateMessageRead)

	if err := c.post(c.mutex, "mutex"); err != nil {
		return rec, err
	}
	if err := c.post(c.empty, "empty"); err != nil {
		return rec, err
	}
	c.enter(StateSignaled)

	c.logger.Debug("handoff.received", "id", rec.ID.String(), "seq", rec.Sequence, "size", humanize.IBytes(uint64(len(rec.Payload))))
	return rec, nil
}

// ringError classifies a ring failure seen while holding the semaphores
// The semaphores promised a slot, so a full or empty ring means the counts
// and the segment disagree, typically after a stale semaphore survived a
// crashed run.
func ringError(op string, err error) error {
	switch {
	case errors.Is(err, ring.ErrFull), errors.Is(err, ring.ErrEmpty),
		errors.Is(err, protocol.ErrSlotOccupied), errors.Is(err, protocol.ErrSlotEmpty),
		errors.Is(err, protocol.ErrCorrupted):
		return opError(op, ErrCorrupted, err)
	case errors.Is(err, protocol.ErrMessageTooLong):
		return opError(op, ErrMessageTooLong, err)
	default:
		return opError(op, ErrTransfer, err)
	}
}

// Close detaches from the channel
// It drops this role's attach reference, unmaps the segment and closes the
// semaphore handles. The channel itself stays in place; see Teardown.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ring != nil {
		c.unread = c.ring.Len()
	}
	if c.referenced {
		c.remaining = c.ring.Unref()
		c.referenced = false
	}
	if err := c.release(); err != nil {
		return opError("detach", ErrMappingFailed, err)
	}
	c.logger.Debug("channel.detached", "attached", c.remaining, "unread", c.unread)
	return nil
}

func (c *Channel) release() error {
	var errs []error
	for _, s := range []Semaphore{c.mutex, c.empty, c.full} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	c.mutex, c.empty, c.full = nil, nil, nil
	if c.mapping != nil {
		errs = append(errs, c.mapping.Unmap())
		c.mapping = nil
	}
	c.ring = nil
	return errors.Join(errs...)
}

// Teardown removes the segment and the three semaphore names
//
// It must follow Close. Unless force is set it refuses with ErrChannelBusy
// when, at Close, another role was still attached or an unread message was
// left in the ring. A peer attaching after that Close is not detected.
//
// Attach references held by roles that died without detaching are ignored
// once the kernel reports no process mapping the segment.
func (c *Channel) Teardown(force bool) error {
	if !c.closed {
		return opError("teardown", ErrInvalidArguments, errors.New("channel must be closed first"))
	}
	if !force && c.remaining > 0 && c.unread == 0 && c.seg != nil {
		if info, err := c.seg.Stat(); err == nil && info.Attached == 0 {
			c.logger.Info("channel.references.stale", "attached", c.remaining)
			c.remaining = 0
		}
	}
	if !force && (c.remaining > 0 || c.unread > 0) {
		return opError("teardown", ErrChannelBusy,
			fmt.Errorf("%d other role(s) attached, %d unread message(s)", c.remaining, c.unread))
	}
	return destroyChannel(c.backend, c.seg, c.cfg)
}

// destroyChannel removes seg and the configured semaphore names
// Names that are already gone are not an error.
func destroyChannel(b Backend, seg Segment, cfg Config) error {
	if seg != nil {
		if err := seg.Destroy(); err != nil {
			return opError("destroy segment", ErrResourceUnavailable, err)
		}
	}
	for _, name := range []string{cfg.MutexName, cfg.EmptyName, cfg.FullName} {
		if err := b.UnlinkSemaphore(name); err != nil && !isNotExist(err) {
			return opError("unlink semaphore "+name, ErrSynchronization, err)
		}
	}
	return nil
}

// Destroy removes the channel described by cfg without attaching to it
// It is the recovery path after a crashed run and ignores objects that do
// not exist.
func Destroy(cfg Config, opts ...Option) error {
	o := buildOptions(cfg, opts)
	seg, err := o.backend.OpenSegment(0, false)
	if err != nil {
		if !isNotExist(err) {
			return opError("open segment", ErrResourceUnavailable, err)
		}
		seg = nil
	}
	return destroyChannel(o.backend, seg, cfg)
}
