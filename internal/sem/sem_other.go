//go:build !linux

package sem

import "context"

// Semaphore is unavailable on this platform
type Semaphore struct{}

// OpenOrCreate is not supported on this platform
func OpenOrCreate(dir string, name string, initial uint32) (*Semaphore, bool, error) {
	return nil, false, ErrUnsupported
}

// Open is not supported on this platform
func Open(dir string, name string) (*Semaphore, error) {
	return nil, ErrUnsupported
}

// Unlink is not supported on this platform
func Unlink(dir string, name string) error {
	return ErrUnsupported
}

func (s *Semaphore) Name() string                      { return "" }
func (s *Semaphore) Path() string                      { return "" }
func (s *Semaphore) TryAcquire() (bool, error)         { return false, ErrUnsupported }
func (s *Semaphore) Acquire(ctx context.Context) error { return ErrUnsupported }
func (s *Semaphore) Release() error                    { return ErrUnsupported }
func (s *Semaphore) Value() (int, error)               { return 0, ErrUnsupported }
func (s *Semaphore) Close() error                      { return nil }
