package shm

import (
	"errors"
	"fmt"
)

// Errors reported by the segment manager
var (
	ErrNotExist    = errors.New("shm: segment does not exist")
	ErrUnsupported = errors.New("shm: System V shared memory is not supported on this platform")
)

// SharedMemory represents a System V shared memory segment
// This structure identifies a segment that any process deriving the same key
// can attach to. It carries no mapping of its own; Map produces one.
//
// The segment outlives the processes that use it: it is removed only after
// Destroy has been called and every attacher has detached.
type SharedMemory struct {
	key  int // IPC key derived from a well-known path and identifier byte
	id   int // Segment identifier returned by shmget
	size int // Size of the segment in bytes
}

// Key returns the IPC key used to look the segment up
func (s *SharedMemory) Key() int {
	return s.key
}

// ID returns the kernel segment identifier
func (s *SharedMemory) ID() int {
	return s.id
}

// Size returns the size of the shared memory segment in bytes
// For a segment that already existed this is the size it was created with,
// which may differ from the size requested by the opener.
func (s *SharedMemory) Size() int {
	return s.size
}

// String formats the segment for logs
func (s *SharedMemory) String() string {
	return fmt.Sprintf("shm(key=%#x id=%d size=%d)", uint32(s.key), s.id, s.size)
}

// Mapping is a process-local view onto a segment
type Mapping struct {
	seg  *SharedMemory
	data []byte
}

// Bytes returns the mapped memory
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Info describes a segment as reported by the kernel
type Info struct {
	Size     int // Segment size in bytes
	Creator  int // Pid of the creating process
	LastPid  int // Pid of the last attach/detach
	Attached int // Current number of attaches
}

// DeriveKey combines a file's inode and device numbers with an identifier
// byte the same way ftok(3) does, so that unrelated processes agree on a key
// without prior coordination.
func DeriveKey(ino uint64, dev uint64, id byte) int {
	return int(int32(uint32(ino&0xffff) | uint32(dev&0xff)<<16 | uint32(id)<<24))
}
