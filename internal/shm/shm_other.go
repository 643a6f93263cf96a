//go:build !linux

package shm

// Key is not supported on this platform
func Key(path string, id byte) (int, error) {
	return 0, ErrUnsupported
}

// Open is not supported on this platform
func Open(key int, size int, create bool) (*SharedMemory, error) {
	return nil, ErrUnsupported
}

// Map is not supported on this platform
func (s *SharedMemory) Map() (*Mapping, error) {
	return nil, ErrUnsupported
}

// Unmap is not supported on this platform
func (m *Mapping) Unmap() error {
	return ErrUnsupported
}

// Destroy is not supported on this platform
func (s *SharedMemory) Destroy() error {
	return ErrUnsupported
}

// Stat is not supported on this platform
func (s *SharedMemory) Stat() (Info, error) {
	return Info{}, ErrUnsupported
}
