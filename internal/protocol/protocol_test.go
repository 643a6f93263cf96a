package protocol_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"unsafe"

	"github.com/rs/xid"

	"gosuda.org/handoff/internal/protocol"
)

// alignedSlot returns an 8-byte aligned slot with room for capacity bytes
func alignedSlot(capacity int) []byte {
	stride := protocol.SlotStride(capacity)
	words := make([]uint64, stride/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), stride)
}

func TestCheckPayload(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		max     int
		wantErr bool
	}{
		{name: "empty", size: 0, max: 1024},
		{name: "exact", size: 1024, max: 1024},
		{name: "one over", size: 1025, max: 1024, wantErr: true},
		{name: "zero capacity", size: 0, max: 0, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := protocol.CheckPayload(make([]byte, tc.size), tc.max)
			if tc.wantErr && !errors.Is(err, protocol.ErrMessageTooLong) {
				t.Fatalf("CheckPayload(%d, %d) = %v, want ErrMessageTooLong", tc.size, tc.max, err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("CheckPayload(%d, %d) = %v", tc.size, tc.max, err)
			}
		})
	}
}

func TestSlotStrideAligned(t *testing.T) {
	for _, capacity := range []int{0, 1, 7, 8, 1023, 1024} {
		stride := protocol.SlotStride(capacity)
		if stride%8 != 0 {
			t.Errorf("SlotStride(%d) = %d, not 8-byte aligned", capacity, stride)
		}
		if stride < protocol.RecordHeaderSize+capacity {
			t.Errorf("SlotStride(%d) = %d, too small", capacity, stride)
		}
	}
}

func TestRecordWriteRead(t *testing.T) {
	slot := alignedSlot(64)
	id := xid.New()

	if protocol.Occupied(slot) {
		t.Fatal("fresh slot should be free")
	}
	if _, err := protocol.ReadRecord(slot); !errors.Is(err, protocol.ErrSlotEmpty) {
		t.Fatalf("ReadRecord on free slot = %v, want ErrSlotEmpty", err)
	}

	rec := protocol.Record{Sequence: 7, ID: id, Payload: []byte("hello")}
	if err := protocol.WriteRecord(slot, rec); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if !protocol.Occupied(slot) {
		t.Fatal("slot should be occupied after write")
	}

	// An unread record is never overwritten
	if err := protocol.WriteRecord(slot, protocol.Record{Payload: []byte("x")}); !errors.Is(err, protocol.ErrSlotOccupied) {
		t.Fatalf("second WriteRecord = %v, want ErrSlotOccupied", err)
	}

	got, err := protocol.ReadRecord(slot)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !bytes.Equal(got.Payload, rec.Payload) || got.Sequence != 7 || got.ID != id {
		t.Fatalf("ReadRecord = %+v, want %+v", got, rec)
	}

	if err := protocol.ClearRecord(slot); err != nil {
		t.Fatalf("ClearRecord: %v", err)
	}
	if protocol.Occupied(slot) {
		t.Fatal("slot should be free after clear")
	}
}

func TestRecordTooLong(t *testing.T) {
	slot := alignedSlot(8)
	capacity := len(slot) - protocol.RecordHeaderSize
	err := protocol.WriteRecord(slot, protocol.Record{Payload: make([]byte, capacity+1)})
	if !errors.Is(err, protocol.ErrMessageTooLong) {
		t.Fatalf("WriteRecord oversized = %v, want ErrMessageTooLong", err)
	}
	if protocol.Occupied(slot) {
		t.Fatal("rejected write must leave the slot free")
	}
}

func TestFrameRoundTripFragmented(t *testing.T) {
	payload := []byte(strings.Repeat("ping", 100))
	id := xid.New()

	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, id, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// One byte per read models a stream that fragments the write
	gotID, got, err := protocol.ReadFrame(iotest.OneByteReader(&buf), 1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if gotID != id {
		t.Errorf("frame id = %s, want %s", gotID, id)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("frame payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestFrameErrors(t *testing.T) {
	var full bytes.Buffer
	if err := protocol.WriteFrame(&full, xid.New(), []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame := full.Bytes()

	cases := []struct {
		name string
		data []byte
		max  int
		want error
	}{
		{name: "truncated header", data: frame[:5], max: 1024, want: protocol.ErrBadFrame},
		{name: "truncated payload", data: frame[:len(frame)-1], max: 1024, want: protocol.ErrBadFrame},
		{name: "bad magic", data: append([]byte("XXXX"), frame[4:]...), max: 1024, want: protocol.ErrBadFrame},
		{name: "too long", data: frame, max: 4, want: protocol.ErrMessageTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := protocol.ReadFrame(bytes.NewReader(tc.data), tc.max)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ReadFrame = %v, want %v", err, tc.want)
			}
		})
	}
}
