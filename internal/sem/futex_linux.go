//go:build linux

package sem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operations. The private flag is deliberately absent: the word
// lives in a MAP_SHARED mapping and is waited on from several processes.
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

var errFutexTimeout = errors.New("futex timeout")

// futexWait sleeps while *addr == val, for at most timeout
// Spurious wakeups are possible; callers always re-check their condition.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check before entering the kernel to avoid a pointless syscall
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(int64(timeout))
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		_FUTEX_WAIT,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errFutexTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// futexWake wakes up to n waiters sleeping on addr
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		_FUTEX_WAKE,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
