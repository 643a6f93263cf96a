package ring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/xid"

	"gosuda.org/handoff/internal/protocol"
)

// Errors reported by the slot ring
var (
	ErrTooSmall       = errors.New("ring: region too small for requested geometry")
	ErrInvalidSize    = errors.New("ring: invalid slot count or capacity")
	ErrNotInitialized = errors.New("ring: region was not initialized in time")
	ErrVersion        = errors.New("ring: unsupported layout version")
	ErrFull           = errors.New("ring: every slot holds an unread message")
	ErrEmpty          = errors.New("ring: no slot holds a message")
)

// Ring is a bounded ring of message slots laid out in a shared memory region.
// Unlike a lock-free queue it carries no synchronization of its own for the
// slot cursors: every Push and Pop must happen while the caller holds the
// channel's mutex semaphore. The header counters are still accessed
// atomically so that unsynchronized readers (Snapshot) see whole values.
//
// The memory layout is:
//
//	[Header (128 bytes)][Slot 0][Slot 1]...[Slot n-1]
//
// where every slot is protocol.SlotStride(capacity) bytes.
type Ring struct {
	_slots    uint32  // Number of slots
	_capacity uint32  // Payload bytes per slot
	_stride   uintptr // Size of one slot including its record header
	_head     *_rhead // Ring header in shared memory
	_data     []byte  // Slot region
}

// Stats is a point-in-time view of the ring header
type Stats struct {
	Slots    int    `json:"slots" yaml:"slots"`
	Capacity int    `json:"capacity" yaml:"capacity"`
	Head     int    `json:"head" yaml:"head"`
	Tail     int    `json:"tail" yaml:"tail"`
	Count    int    `json:"count" yaml:"count"`
	Attached int    `json:"attached" yaml:"attached"`
	Creator  int    `json:"creator_pid" yaml:"creator_pid"`
	Sequence uint64 `json:"sequence" yaml:"sequence"`
}

// Init initializes a new ring in buf
// Only the first caller on a given region performs the initialization and
// receives true; concurrent or later callers receive false and must Attach.
//
// Parameters:
//   - buf: Shared memory region (must be 8-byte aligned, at least Size bytes)
//   - slots: Number of message slots (the channel's queue depth)
//   - capacity: Maximum payload bytes per slot
func Init(buf []byte, slots int, capacity int) (bool, error) {
	if slots <= 0 || capacity <= 0 || slots > 1<<20 || capacity > 1<<30 {
		return false, ErrInvalidSize
	}
	if len(buf) < Size(slots, capacity) {
		return false, fmt.Errorf("%w: have %d bytes, need %d", ErrTooSmall, len(buf), Size(slots, capacity))
	}
	_r := (*_rhead)(unsafe.Pointer(&buf[0]))

	// Check if the ring is already initialized by checking the magic number
	magic := atomic.LoadUint64(&_r._magic)
	if magic == _ring_magic {
		return false, nil
	}

	// Try to atomically claim initialization by setting the magic number
	if !atomic.CompareAndSwapUint64(&_r._magic, magic, _ring_magic) {
		return false, nil
	}

	atomic.StoreUint32(&_r._version, _ring_version)
	atomic.StoreUint32(&_r._slots, uint32(slots))
	atomic.StoreUint32(&_r._capacity, uint32(capacity))
	atomic.StoreUint32(&_r.head, 0)
	atomic.StoreUint32(&_r.tail, 0)
	atomic.StoreUint32(&_r.count, 0)
	atomic.StoreInt32(&_r.attached, 0)
	atomic.StoreUint32(&_r.creator, uint32(os.Getpid()))
	atomic.StoreUint64(&_r.sequence, 0)

	// Clear every slot so stale occupied flags never survive a re-creation
	data := buf[HeaderSize:Size(slots, capacity)]
	clear(data)

	// Mark the ring as initialized
	atomic.StoreUint32(&_r._flag, uint32(_ring_init))
	return true, nil
}

// Foreign reports whether buf starts with something other than a ring header
// A blank region is not foreign: a peer may be about to initialize it.
func Foreign(buf []byte) bool {
	if len(buf) < 8 {
		return true
	}
	magic := atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
	return magic != 0 && magic != _ring_magic
}

// Attach attaches to a ring initialized by Init
// It waits for a concurrent initializer to finish, up to timeout (0 waits
// until ctx is done).
func Attach(ctx context.Context, buf []byte, timeout time.Duration) (*Ring, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d bytes, need at least the %d byte header", ErrTooSmall, len(buf), HeaderSize)
	}
	_tt := time.Now()
	_r := (*_rhead)(unsafe.Pointer(&buf[0]))

	for {
		magic := atomic.LoadUint64(&_r._magic)
		flag := atomic.LoadUint32(&_r._flag)

		if magic == _ring_magic && flag&uint32(_ring_init) != 0 {
			break
		}

		if timeout > 0 && time.Since(_tt) >= timeout {
			return nil, ErrNotInitialized
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	if v := atomic.LoadUint32(&_r._version); v != _ring_version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	slots := int(atomic.LoadUint32(&_r._slots))
	capacity := int(atomic.LoadUint32(&_r._capacity))
	if slots <= 0 || capacity <= 0 {
		return nil, ErrInvalidSize
	}
	if len(buf) < Size(slots, capacity) {
		return nil, fmt.Errorf("%w: header describes %d bytes, region has %d", ErrTooSmall, Size(slots, capacity), len(buf))
	}

	return &Ring{
		_slots:    uint32(slots),
		_capacity: uint32(capacity),
		_stride:   uintptr(protocol.SlotStride(capacity)),
		_head:     _r,
		_data:     buf[HeaderSize:Size(slots, capacity)],
	}, nil
}

// Slots returns the number of slots in the ring
func (r *Ring) Slots() int { return int(r._slots) }

// Capacity returns the maximum payload size of a slot
func (r *Ring) Capacity() int { return int(r._capacity) }

// Len returns the number of unread messages
func (r *Ring) Len() int { return int(atomic.LoadUint32(&r._head.count)) }

// Creator returns the pid of the process that initialized the ring
func (r *Ring) Creator() int { return int(atomic.LoadUint32(&r._head.creator)) }

// Attached returns the current attach reference count
func (r *Ring) Attached() int { return int(atomic.LoadInt32(&r._head.attached)) }

// Ref records one more attached role and returns the new count
func (r *Ring) Ref() int { return int(atomic.AddInt32(&r._head.attached, 1)) }

// Unref drops one attached role and returns the remaining count
// The count never goes below zero, even after a peer crashed and someone
// already force-detached it.
func (r *Ring) Unref() int {
	for {
		cur := atomic.LoadInt32(&r._head.attached)
		if cur <= 0 {
			return 0
		}
		if atomic.CompareAndSwapInt32(&r._head.attached, cur, cur-1) {
			return int(cur - 1)
		}
	}
}

func (r *Ring) slot(i uint32) []byte {
	off := uintptr(i) * r._stride
	return r._data[off : off+r._stride : off+r._stride]
}

// Push writes payload into the slot at the tail. The caller must hold the mutex.
// It returns the sequence number assigned to the record.
func (r *Ring) Push(id xid.ID, payload []byte) (uint64, error) {
	if err := protocol.CheckPayload(payload, r.Capacity()); err != nil {
		return 0, err
	}
	_h := r._head
	if atomic.LoadUint32(&_h.count) >= r._slots {
		return 0, ErrFull
	}

	tail := atomic.LoadUint32(&_h.tail)
	seq := atomic.AddUint64(&_h.sequence, 1)
	if err := protocol.WriteRecord(r.slot(tail), protocol.Record{Sequence: seq, ID: id, Payload: payload}); err != nil {
		return 0, err
	}

	atomic.StoreUint32(&_h.tail, (tail+1)%r._slots)
	atomic.AddUint32(&_h.count, 1)
	return seq, nil
}

// Pop reads and frees the slot at the head. The caller must hold the mutex.
func (r *Ring) Pop() (protocol.Record, error) {
	_h := r._head
	if atomic.LoadUint32(&_h.count) == 0 {
		return protocol.Record{}, ErrEmpty
	}

	head := atomic.LoadUint32(&_h.head)
	s := r.slot(head)
	rec, err := protocol.ReadRecord(s)
	if err != nil {
		return protocol.Record{}, err
	}
	if err := protocol.ClearRecord(s); err != nil {
		return protocol.Record{}, err
	}

	atomic.StoreUint32(&_h.head, (head+1)%r._slots)
	atomic.AddUint32(&_h.count, ^uint32(0))
	return rec, nil
}

// Snapshot returns the header counters without taking the mutex
func (r *Ring) Snapshot() Stats {
	_h := r._head
	return Stats{
		Slots:    int(r._slots),
		Capacity: int(r._capacity),
		Head:     int(atomic.LoadUint32(&_h.head)),
		Tail:     int(atomic.LoadUint32(&_h.tail)),
		Count:    int(atomic.LoadUint32(&_h.count)),
		Attached: int(atomic.LoadInt32(&_h.attached)),
		Creator:  int(atomic.LoadUint32(&_h.creator)),
		Sequence: atomic.LoadUint64(&_h.sequence),
	}
}

// Magic number to identify initialized rings
const _ring_magic uint64 = 0x48_4f_46_46_52_49_4e_47 // "HOFFRING"

// Layout version stored in the header
const _ring_version uint32 = 1

// _ringflag represents initialization flags for the ring
type _ringflag uint32

const (
	_ring_reserved = _ringflag(1) << iota // Reserved flag for future use
	_ring_init                            // Ring is initialized flag
)

// HeaderSize is the size of the ring header at the start of the region
const HeaderSize = 128

// _rhead represents the header structure stored at the beginning of the region
type _rhead struct {
	_magic    uint64 // Magic number for initialization detection
	_version  uint32 // Layout version
	_flag     uint32 // Initialization flags
	_slots    uint32 // Number of slots
	_capacity uint32 // Payload bytes per slot
	head      uint32 // Next slot to read
	tail      uint32 // Next slot to write
	count     uint32 // Unread messages
	attached  int32  // Attached roles
	creator   uint32 // Pid of the initializing process
	_pad      uint32
	sequence  uint64 // Last assigned handoff sequence
	_reserved [HeaderSize - 56]byte
}

// The header must stay exactly HeaderSize bytes
var _ = [1]struct{}{}[unsafe.Sizeof(_rhead{})-HeaderSize]

// Size calculates the total region size required for a ring
//
// Parameters:
//   - slots: Number of slots
//   - capacity: Payload bytes per slot
//
// Returns the total size in bytes
func Size(slots int, capacity int) int {
	return HeaderSize + slots*protocol.SlotStride(capacity)
}
