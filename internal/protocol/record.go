package protocol

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/xid"
)

// Record Memory Layout:
//
//	0x00 occupied  uint32   // 1 while the slot holds an unread message
//	0x04 length    uint32   // payload length in bytes
//	0x08 sequence  uint64   // channel-wide handoff sequence
//	0x10 id        [12]byte // xid of the handoff
//	0x1C reserved  uint32
//	0x20 payload   [capacity]byte

// RecordHeaderSize is the fixed size of the per-slot header
const RecordHeaderSize = int(unsafe.Sizeof(recordHeader{}))

type recordHeader struct {
	occupied uint32
	length   uint32
	sequence uint64
	id       [12]byte
	_        uint32
}

// Record is a decoded message record
type Record struct {
	Sequence uint64
	ID       xid.ID
	Payload  []byte
}

// SlotStride returns the 8-byte aligned size of one slot able to carry
// capacity payload bytes.
func SlotStride(capacity int) int {
	return (RecordHeaderSize + capacity + 7) &^ 7
}

func header(slot []byte) (*recordHeader, error) {
	if len(slot) < RecordHeaderSize {
		return nil, fmt.Errorf("%w: slot of %d bytes is smaller than its header", ErrCorrupted, len(slot))
	}
	if uintptr(unsafe.Pointer(&slot[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: slot is not 8-byte aligned", ErrCorrupted)
	}
	return (*recordHeader)(unsafe.Pointer(&slot[0])), nil
}

// Occupied reports whether slot currently holds an unread record
func Occupied(slot []byte) bool {
	h, err := header(slot)
	if err != nil {
		return false
	}
	return atomic.LoadUint32(&h.occupied) != 0
}

// WriteRecord stores rec into slot and marks it occupied.
// The slot must be free; overwriting an unread record is refused.
func WriteRecord(slot []byte, rec Record) error {
	h, err := header(slot)
	if err != nil {
		return err
	}
	if err := CheckPayload(rec.Payload, len(slot)-RecordHeaderSize); err != nil {
		return err
	}
	if atomic.LoadUint32(&h.occupied) != 0 {
		return ErrSlotOccupied
	}

	copy(slot[RecordHeaderSize:], rec.Payload)
	h.length = uint32(len(rec.Payload))
	h.sequence = rec.Sequence
	h.id = rec.ID

	// Publish last so a reader never sees a half written record
	atomic.StoreUint32(&h.occupied, 1)
	return nil
}

// ReadRecord copies the record out of slot without releasing it
func ReadRecord(slot []byte) (Record, error) {
	h, err := header(slot)
	if err != nil {
		return Record{}, err
	}
	if atomic.LoadUint32(&h.occupied) == 0 {
		return Record{}, ErrSlotEmpty
	}
	n := int(h.length)
	if n > len(slot)-RecordHeaderSize {
		return Record{}, fmt.Errorf("%w: length %d exceeds slot capacity %d", ErrCorrupted, n, len(slot)-RecordHeaderSize)
	}

	payload := make([]byte, n)
	copy(payload, slot[RecordHeaderSize:RecordHeaderSize+n])
	return Record{
		Sequence: h.sequence,
		ID:       xid.ID(h.id),
		Payload:  payload,
	}, nil
}

// ClearRecord marks slot free
func ClearRecord(slot []byte) error {
	h, err := header(slot)
	if err != nil {
		return err
	}
	h.length = 0
	atomic.StoreUint32(&h.occupied, 0)
	return nil
}
