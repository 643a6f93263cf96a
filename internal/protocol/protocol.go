package protocol

import (
	"errors"
	"fmt"
)

// DefaultMaxMessage is the payload bound used when a channel is created without
// an explicit size. It matches the fixed message buffer of the classic
// producer/consumer demo this module grew out of.
const DefaultMaxMessage = 1024

// Errors reported by the record and frame codecs
var (
	ErrMessageTooLong = errors.New("handoff: message too long")
	ErrSlotEmpty      = errors.New("handoff: slot holds no message")
	ErrSlotOccupied   = errors.New("handoff: slot holds an unread message")
	ErrCorrupted      = errors.New("handoff: corrupted record")
	ErrBadFrame       = errors.New("handoff: malformed stream frame")
)

// CheckPayload verifies that payload fits in a record of max bytes
// It never truncates: an oversized payload is rejected outright.
func CheckPayload(payload []byte, max int) error {
	if max <= 0 {
		return fmt.Errorf("%w: capacity is %d bytes", ErrMessageTooLong, max)
	}
	if len(payload) > max {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte bound", ErrMessageTooLong, len(payload), max)
	}
	return nil
}
