//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Key derives the IPC key for path and id
func Key(path string, id byte) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("shm: stat key path %s: %w", path, err)
	}
	return DeriveKey(uint64(st.Ino), uint64(st.Dev), id), nil
}

// Open looks up the segment for key, creating it with size bytes when create
// is set and no segment exists yet.
//
// An existing segment is reused as is. When its size differs from the
// requested one the kernel refuses the sized lookup, so the segment is looked
// up again by key alone and its real size is reported by Size.
func Open(key int, size int, create bool) (*SharedMemory, error) {
	flags := 0o666
	if create {
		flags |= unix.IPC_CREAT
	}

	id, err := unix.SysvShmGet(key, size, flags)
	if errors.Is(err, unix.EINVAL) {
		// Existing segment with a different size
		id, err = unix.SysvShmGet(key, 0, 0o666)
	}
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: key %#x", ErrNotExist, uint32(key))
		}
		return nil, fmt.Errorf("shm: shmget key %#x: %w", uint32(key), err)
	}

	s := &SharedMemory{key: key, id: id, size: size}
	info, err := s.Stat()
	if err != nil {
		return nil, err
	}
	s.size = info.Size
	return s, nil
}

// Map attaches the segment into the address space of the calling process
func (s *SharedMemory) Map() (*Mapping, error) {
	data, err := unix.SysvShmAttach(s.id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: shmat id %d: %w", s.id, err)
	}
	return &Mapping{seg: s, data: data}, nil
}

// Unmap detaches the mapping; other attachers are unaffected
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.SysvShmDetach(data); err != nil {
		return fmt.Errorf("shm: shmdt id %d: %w", m.seg.id, err)
	}
	return nil
}

// Destroy marks the segment for removal
// The kernel frees it once the last attacher detaches; new lookups by key
// no longer find it.
func (s *SharedMemory) Destroy() error {
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EIDRM) {
			return nil
		}
		return fmt.Errorf("shm: IPC_RMID id %d: %w", s.id, err)
	}
	return nil
}

// Stat returns kernel bookkeeping for the segment
func (s *SharedMemory) Stat() (Info, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_STAT, &desc); err != nil {
		return Info{}, fmt.Errorf("shm: IPC_STAT id %d: %w", s.id, err)
	}
	return Info{
		Size:     int(desc.Segsz),
		Creator:  int(desc.Cpid),
		LastPid:  int(desc.Lpid),
		Attached: int(desc.Nattch),
	}, nil
}
