package handoff

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"gosuda.org/handoff/internal/sem"
	"gosuda.org/handoff/internal/shm"
)

// MemoryBackend keeps a channel's segment and semaphores inside the current
// process. Roles running as goroutines that share one MemoryBackend behave as
// separate processes sharing the system objects would. It is safe for
// concurrent use.
type MemoryBackend struct {
	mu      sync.Mutex
	segment *memSegment
	sems    map[string]*memSemaphore
}

// NewMemoryBackend returns an empty in-process backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sems: make(map[string]*memSemaphore)}
}

func (b *MemoryBackend) OpenSegment(size int, create bool) (Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.segment != nil {
		return b.segment, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: in-memory segment", shm.ErrNotExist)
	}
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}
	// Back the segment with uint64 words so the ring header is 8-byte aligned
	words := make([]uint64, (size+7)/8)
	b.segment = &memSegment{
		owner:   b,
		data:    unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		creator: os.Getpid(),
	}
	return b.segment, nil
}

func (b *MemoryBackend) OpenSemaphore(name string, initial uint32, create bool) (Semaphore, error) {
	if _, err := sem.Path("", name); err != nil {
		return nil, err
	}
	if initial > sem.MaxValue {
		return nil, fmt.Errorf("%w: initial count %d", sem.ErrOverflow, initial)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := semKey(name)
	s, ok := b.sems[key]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", sem.ErrNotExist, name)
		}
		s = newMemSemaphore(initial)
		b.sems[key] = s
	}
	return &memSemHandle{s: s}, nil
}

func (b *MemoryBackend) UnlinkSemaphore(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := semKey(name)
	if _, ok := b.sems[key]; !ok {
		return fmt.Errorf("%w: %s", sem.ErrNotExist, name)
	}
	delete(b.sems, key)
	return nil
}

type memSegment struct {
	owner    *MemoryBackend
	data     []byte
	creator  int
	attached atomic.Int32
}

func (s *memSegment) Size() int { return len(s.data) }

func (s *memSegment) Map() (Mapping, error) {
	s.attached.Add(1)
	return &memMapping{seg: s, data: s.data}, nil
}

func (s *memSegment) Stat() (SegmentInfo, error) {
	return SegmentInfo{
		Size:     len(s.data),
		Creator:  s.creator,
		LastPid:  os.Getpid(),
		Attached: int(s.attached.Load()),
	}, nil
}

// Destroy forgets the segment; existing mappings keep their memory
func (s *memSegment) Destroy() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.owner.segment == s {
		s.owner.segment = nil
	}
	return nil
}

type memMapping struct {
	seg  *memSegment
	data []byte
}

func (m *memMapping) Bytes() []byte { return m.data }

func (m *memMapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	m.data = nil
	m.seg.attached.Add(-1)
	return nil
}

// memSemaphore models a counting semaphore on top of semaphore.Weighted
// The weighted semaphore's free weight is the count: it is created with
// MaxValue total weight, of which MaxValue-initial is taken up front.
type memSemaphore struct {
	w     *semaphore.Weighted
	value atomic.Int64
	mu    sync.Mutex // serializes Release against the overflow check
}

func newMemSemaphore(initial uint32) *memSemaphore {
	s := &memSemaphore{w: semaphore.NewWeighted(sem.MaxValue)}
	if held := int64(sem.MaxValue) - int64(initial); held > 0 {
		// Cannot block: nothing else holds weight yet
		s.w.TryAcquire(held)
	}
	s.value.Store(int64(initial))
	return s
}

type memSemHandle struct {
	s      *memSemaphore
	closed atomic.Bool
}

func (h *memSemHandle) Acquire(ctx context.Context) error {
	if h.closed.Load() {
		return sem.ErrClosed
	}
	if err := h.s.w.Acquire(ctx, 1); err != nil {
		return err
	}
	h.s.value.Add(-1)
	return nil
}

func (h *memSemHandle) TryAcquire() (bool, error) {
	if h.closed.Load() {
		return false, sem.ErrClosed
	}
	if !h.s.w.TryAcquire(1) {
		return false, nil
	}
	h.s.value.Add(-1)
	return true, nil
}

func (h *memSemHandle) Release() error {
	if h.closed.Load() {
		return sem.ErrClosed
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.value.Load() >= sem.MaxValue {
		return sem.ErrOverflow
	}
	h.s.value.Add(1)
	h.s.w.Release(1)
	return nil
}

func (h *memSemHandle) Value() (int, error) {
	if h.closed.Load() {
		return 0, sem.ErrClosed
	}
	return int(h.s.value.Load()), nil
}

func (h *memSemHandle) Close() error {
	h.closed.Store(true)
	return nil
}
