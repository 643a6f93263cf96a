// Package sem implements named counting semaphores shared between processes.
//
// A semaphore is a small file in a shared-memory filesystem (normally
// /dev/shm) that every participating process maps MAP_SHARED. The count lives
// in the mapping and waiters sleep on it with a futex, so acquisition is
// cheap when uncontended and never spins when it is not.
//
// Names follow the POSIX convention ("/mutex_sem"); the leading slash is
// optional. Creation is idempotent: opening an existing name reuses whatever
// count it currently holds, including a count left behind by a crashed run.
package sem

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// DefaultDir is where semaphore files live unless configured otherwise
const DefaultDir = "/dev/shm"

// MaxValue is the largest count a semaphore can hold
const MaxValue = math.MaxInt32

// filePrefix keeps handoff semaphores apart from glibc's sem.* files, whose
// layout differs.
const filePrefix = "handoff-sem."

// Errors reported by the semaphore layer
var (
	ErrNotExist    = errors.New("sem: semaphore does not exist")
	ErrInvalidName = errors.New("sem: invalid semaphore name")
	ErrOverflow    = errors.New("sem: count would exceed maximum")
	ErrCorrupted   = errors.New("sem: semaphore file is corrupted")
	ErrClosed      = errors.New("sem: semaphore is closed")
	ErrUnsupported = errors.New("sem: named semaphores are not supported on this platform")
)

// Path returns the file backing the semaphore name in dir
func Path(dir string, name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	if base == "" || strings.ContainsAny(base, "/\x00") || base == "." || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, filePrefix+base), nil
}

// semMagic marks a fully initialized semaphore file ("HSEM")
const semMagic uint32 = 0x4d455348

// word is the shared layout of a semaphore file
type word struct {
	magic   uint32 // semMagic once initialized
	value   uint32 // current count
	waiters uint32 // processes sleeping in Acquire
	_       uint32
}
