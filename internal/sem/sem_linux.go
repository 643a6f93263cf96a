//go:build linux

package sem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollInterval bounds a single futex sleep so cancellation is noticed promptly
const pollInterval = 100 * time.Millisecond

// wordSize is the size of the shared semaphore layout
const wordSize = int(unsafe.Sizeof(word{}))

// Semaphore is a process-local handle on a named semaphore
// Methods must not be called concurrently with Close.
type Semaphore struct {
	name string
	path string
	mem  []byte
	w    *word
}

// OpenOrCreate opens the named semaphore in dir, creating it with count
// initial when it does not exist yet. The returned flag reports whether this
// call created it.
//
// The file is fully written under a temporary name and then hard-linked into
// place, so a concurrent opener never observes a half-initialized semaphore.
func OpenOrCreate(dir string, name string, initial uint32) (*Semaphore, bool, error) {
	if initial > MaxValue {
		return nil, false, fmt.Errorf("%w: initial count %d", ErrOverflow, initial)
	}
	path, err := Path(dir, name)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		s, err := open(name, path)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, ErrNotExist) {
			return nil, false, err
		}

		err = publish(path, initial)
		if err == nil {
			s, err := open(name, path)
			return s, err == nil, err
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, err
		}
		// Lost the race to another creator; open theirs
	}
	return nil, false, fmt.Errorf("sem: %s keeps disappearing while being opened", path)
}

// Open opens an existing named semaphore
func Open(dir string, name string) (*Semaphore, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}
	return open(name, path)
}

// Unlink removes the name; open handles keep working until closed
func Unlink(dir string, name string) error {
	path, err := Path(dir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return fmt.Errorf("sem: unlink %s: %w", name, err)
	}
	return nil
}

func publish(path string, initial uint32) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".handoff-sem-*")
	if err != nil {
		return fmt.Errorf("sem: create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	var buf [wordSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], semMagic)
	binary.NativeEndian.PutUint32(buf[4:8], initial)
	if _, err := tmp.Write(buf[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("sem: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o666); err != nil {
		tmp.Close()
		return fmt.Errorf("sem: chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sem: close %s: %w", tmp.Name(), err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("sem: link %s: %w", path, err)
	}
	return nil
}

func open(name string, path string) (*Semaphore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, fmt.Errorf("sem: open %s: %w", path, err)
	}
	// The mapping stays valid after the descriptor is closed
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sem: stat %s: %w", path, err)
	}
	if info.Size() < int64(wordSize) {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupted, path, info.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, wordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sem: mmap %s: %w", path, err)
	}
	w := (*word)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint32(&w.magic) != semMagic {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s has bad magic", ErrCorrupted, path)
	}
	return &Semaphore{name: name, path: path, mem: mem, w: w}, nil
}

// Name returns the semaphore name as given to Open
func (s *Semaphore) Name() string { return s.name }

// Path returns the backing file
func (s *Semaphore) Path() string { return s.path }

// TryAcquire decrements the count if it is positive, without blocking
func (s *Semaphore) TryAcquire() (bool, error) {
	if s.w == nil {
		return false, ErrClosed
	}
	return s.tryDecrement(), nil
}

func (s *Semaphore) tryDecrement() bool {
	for {
		v := atomic.LoadUint32(&s.w.value)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.w.value, v, v-1) {
			return true
		}
	}
}

// Acquire blocks until the count is positive and then decrements it
// It returns ctx.Err() when ctx is cancelled or its deadline passes first.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.w == nil {
		return ErrClosed
	}
	for {
		if s.tryDecrement() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			left := time.Until(deadline)
			if left <= 0 {
				return context.DeadlineExceeded
			}
			wait = min(wait, left)
		}

		atomic.AddUint32(&s.w.waiters, 1)
		err := futexWait(&s.w.value, 0, wait)
		atomic.AddUint32(&s.w.waiters, ^uint32(0))
		if err != nil && !errors.Is(err, errFutexTimeout) {
			return err
		}
	}
}

// Release increments the count and wakes one waiter
func (s *Semaphore) Release() error {
	if s.w == nil {
		return ErrClosed
	}
	for {
		v := atomic.LoadUint32(&s.w.value)
		if v >= MaxValue {
			return ErrOverflow
		}
		if atomic.CompareAndSwapUint32(&s.w.value, v, v+1) {
			break
		}
	}
	if atomic.LoadUint32(&s.w.waiters) > 0 {
		if _, err := futexWake(&s.w.value, 1); err != nil {
			return err
		}
	}
	return nil
}

// Value returns the current count
func (s *Semaphore) Value() (int, error) {
	if s.w == nil {
		return 0, ErrClosed
	}
	return int(atomic.LoadUint32(&s.w.value)), nil
}

// Close releases the local mapping; the named semaphore is unaffected
func (s *Semaphore) Close() error {
	if s.mem == nil {
		return nil
	}
	mem := s.mem
	s.mem, s.w = nil, nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("sem: munmap %s: %w", s.path, err)
	}
	return nil
}
