package handoff

import (
	"context"
	"errors"

	"gosuda.org/handoff/internal/sem"
	"gosuda.org/handoff/internal/shm"
)

// Backend resolves the process-external objects a channel is built from
// The system backend uses SysV shared memory and semaphore files; the memory
// backend keeps everything inside the current process for tests.
type Backend interface {
	// OpenSegment returns the channel's shared segment. With create set a
	// missing segment is allocated with size bytes; an existing one is
	// returned as is, whatever its size.
	OpenSegment(size int, create bool) (Segment, error)

	// OpenSemaphore returns the named semaphore. With create set a missing
	// semaphore is created with count initial; an existing one keeps its count.
	OpenSemaphore(name string, initial uint32, create bool) (Semaphore, error)

	// UnlinkSemaphore removes name; open handles keep working
	UnlinkSemaphore(name string) error
}

// Backends report a missing segment with shm.ErrNotExist and a missing
// semaphore with sem.ErrNotExist.
func isNotExist(err error) bool {
	return errors.Is(err, shm.ErrNotExist) || errors.Is(err, sem.ErrNotExist)
}

// Segment is a handle on a shared segment
type Segment interface {
	Size() int
	Map() (Mapping, error)
	Stat() (SegmentInfo, error)
	Destroy() error
}

// Mapping is a process-local view onto a segment
type Mapping interface {
	Bytes() []byte
	Unmap() error
}

// Semaphore is a handle on a named counting semaphore
type Semaphore interface {
	Acquire(ctx context.Context) error
	TryAcquire() (bool, error)
	Release() error
	Value() (int, error)
	Close() error
}

// SegmentInfo is the kernel's view of a segment
type SegmentInfo struct {
	Size     int `json:"size" yaml:"size"`
	Creator  int `json:"creator_pid" yaml:"creator_pid"`
	LastPid  int `json:"last_pid" yaml:"last_pid"`
	Attached int `json:"attached" yaml:"attached"`
}
