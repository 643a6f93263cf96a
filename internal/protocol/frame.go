package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/xid"
)

// Stream frame layout:
//
//	[magic "HOFF"][length uint32 BE][id 12 bytes][payload]
//
// A byte stream carries no message boundaries of its own, so every frame is
// length-prefixed and readers loop until the whole frame has arrived.

// FrameMagic identifies a handoff stream frame
var FrameMagic = [4]byte{'H', 'O', 'F', 'F'}

// FrameHeaderSize is the size of the fixed frame prefix
const FrameHeaderSize = 4 + 4 + 12

// WriteFrame writes a single frame carrying payload to w
func WriteFrame(w io.Writer, id xid.ID, payload []byte) error {
	buf := make([]byte, FrameHeaderSize+len(payload))
	copy(buf[0:4], FrameMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:20], id[:])
	copy(buf[FrameHeaderSize:], payload)

	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads exactly one frame from r, rejecting payloads above max
func ReadFrame(r io.Reader, max int) (xid.ID, []byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return xid.NilID(), nil, fmt.Errorf("%w: truncated header", ErrBadFrame)
		}
		return xid.NilID(), nil, err
	}
	if [4]byte(hdr[0:4]) != FrameMagic {
		return xid.NilID(), nil, fmt.Errorf("%w: bad magic %q", ErrBadFrame, hdr[0:4])
	}

	length := binary.BigEndian.Uint32(hdr[4:8])
	if uint64(length) > uint64(max) {
		return xid.NilID(), nil, fmt.Errorf("%w: frame announces %d bytes, bound is %d", ErrMessageTooLong, length, max)
	}

	var id xid.ID
	copy(id[:], hdr[8:20])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return id, nil, fmt.Errorf("%w: truncated payload", ErrBadFrame)
		}
		return id, nil, err
	}
	return id, payload, nil
}
