//go:build linux

package shm

import (
	"errors"
	"testing"
)

// testKey derives a key from a fresh temp directory so parallel runs never share a segment
func testKey(t *testing.T) int {
	t.Helper()
	key, err := Key(t.TempDir(), 'T')
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	return key
}

func TestDeriveKeyMatchesFtok(t *testing.T) {
	// ftok("/tmp", 'Q') with st_ino=0x12345 and st_dev=0x803
	got := DeriveKey(0x12345, 0x803, 'Q')
	want := int(int32(0x2345 | 0x03<<16 | 'Q'<<24))
	if got != want {
		t.Fatalf("DeriveKey = %#x, want %#x", got, want)
	}
}

func TestSegmentLifecycle(t *testing.T) {
	key := testKey(t)

	seg, err := Open(key, 4096, true)
	if err != nil {
		t.Skipf("System V shared memory unavailable: %v", err)
	}
	defer seg.Destroy()

	if seg.Size() < 4096 {
		t.Fatalf("Size = %d, want >= 4096", seg.Size())
	}

	m1, err := seg.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	copy(m1.Bytes(), "hello")

	// Idempotent create resolves to the same segment
	again, err := Open(key, 4096, true)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if again.ID() != seg.ID() {
		t.Fatalf("second Open id = %d, want %d", again.ID(), seg.ID())
	}

	// A different requested size falls back to the existing segment
	bigger, err := Open(key, 1<<20, true)
	if err != nil {
		t.Fatalf("Open with different size: %v", err)
	}
	if bigger.ID() != seg.ID() || bigger.Size() != seg.Size() {
		t.Fatalf("Open with different size = %v, want %v", bigger, seg)
	}

	m2, err := again.Map()
	if err != nil {
		t.Fatalf("second Map: %v", err)
	}
	if string(m2.Bytes()[:5]) != "hello" {
		t.Fatalf("second mapping sees %q", m2.Bytes()[:5])
	}

	info, err := seg.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Attached != 2 {
		t.Errorf("Attached = %d, want 2", info.Attached)
	}

	if err := m1.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := m1.Unmap(); err != nil {
		t.Fatalf("second Unmap: %v", err)
	}
	if err := seg.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	// Still mapped by m2 but no longer reachable by key
	if _, err := Open(key, 0, false); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Open after Destroy = %v, want ErrNotExist", err)
	}
	if string(m2.Bytes()[:5]) != "hello" {
		t.Fatal("existing mapping must survive Destroy")
	}
	if err := m2.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestOpenMissing(t *testing.T) {
	key := testKey(t)
	_, err := Open(key, 4096, false)
	if err == nil {
		t.Fatal("Open without create on a fresh key should fail")
	}
	if !errors.Is(err, ErrNotExist) {
		t.Skipf("System V shared memory unavailable: %v", err)
	}
}
