package handoff

import (
	"gosuda.org/handoff/internal/sem"
	"gosuda.org/handoff/internal/shm"
)

// SystemBackend resolves channels to SysV shared memory and semaphore files
type SystemBackend struct {
	keyPath string
	keyID   byte
	semDir  string
}

// NewSystemBackend returns a backend deriving its segment key from keyPath
// and keyID and keeping semaphores in semDir.
func NewSystemBackend(keyPath string, keyID byte, semDir string) *SystemBackend {
	return &SystemBackend{keyPath: keyPath, keyID: keyID, semDir: semDir}
}

// SystemBackendFor returns the system backend configured by cfg
func SystemBackendFor(cfg Config) *SystemBackend {
	return NewSystemBackend(cfg.KeyPath, cfg.KeyID, cfg.SemDir)
}

// Key returns the IPC key of the channel segment
func (b *SystemBackend) Key() (int, error) {
	return shm.Key(b.keyPath, b.keyID)
}

func (b *SystemBackend) OpenSegment(size int, create bool) (Segment, error) {
	key, err := b.Key()
	if err != nil {
		return nil, err
	}
	seg, err := shm.Open(key, size, create)
	if err != nil {
		return nil, err
	}
	return systemSegment{seg}, nil
}

func (b *SystemBackend) OpenSemaphore(name string, initial uint32, create bool) (Semaphore, error) {
	if !create {
		s, err := sem.Open(b.semDir, name)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, _, err := sem.OpenOrCreate(b.semDir, name, initial)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *SystemBackend) UnlinkSemaphore(name string) error {
	return sem.Unlink(b.semDir, name)
}

type systemSegment struct {
	*shm.SharedMemory
}

func (s systemSegment) Map() (Mapping, error) {
	m, err := s.SharedMemory.Map()
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s systemSegment) Stat() (SegmentInfo, error) {
	info, err := s.SharedMemory.Stat()
	if err != nil {
		return SegmentInfo{}, err
	}
	return SegmentInfo(info), nil
}
