//go:build linux

package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// systemConfig isolates a channel in fresh directories so runs never collide
// with each other or with a real channel on the host
func systemConfig(t *testing.T) Config {
	t.Helper()
	cfg := testConfig()
	cfg.KeyPath = t.TempDir()
	cfg.KeyID = 'T'
	cfg.SemDir = t.TempDir()

	// Check SysV availability and make sure nothing is left behind
	b := SystemBackendFor(cfg)
	seg, err := b.OpenSegment(4096, true)
	if err != nil {
		t.Skipf("System V shared memory unavailable: %v", err)
	}
	seg.Destroy()
	t.Cleanup(func() { Destroy(cfg) })
	return cfg
}

// TestSystemRoundTrip tests the system backend end to end
// It verifies a consumer blocked on full receives the producer's message.
func TestSystemRoundTrip(t *testing.T) {
	cfg := systemConfig(t)
	cfg.QueueDepth = 2
	cfg.Teardown = false
	ctx := context.Background()

	var got Result
	var g errgroup.Group
	g.Go(func() error {
		var err error
		got, err = Consume(ctx, cfg)
		return err
	})

	time.Sleep(20 * time.Millisecond)
	if _, err := Produce(ctx, cfg, []byte("hello")); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("Consume = %q, want hello", got.Payload)
	}
	if v := semValue(t, SystemBackendFor(cfg), cfg.EmptyName); v != 2 {
		t.Fatalf("empty = %d after the handoff, want 2", v)
	}
}

// TestSystemTeardown tests that the consumer removes the segment and the
// semaphore files once the producer has detached
func TestSystemTeardown(t *testing.T) {
	cfg := systemConfig(t)
	ctx := context.Background()

	if _, err := Produce(ctx, cfg, []byte("hello")); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	got, err := Consume(ctx, cfg)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if string(got.Payload) != "hello" || !got.TornDown {
		t.Fatalf("Consume = %q torn down %v", got.Payload, got.TornDown)
	}

	b := SystemBackendFor(cfg)
	if _, err := b.OpenSegment(0, false); !isNotExist(err) {
		t.Fatalf("segment survived teardown: %v", err)
	}
	for _, name := range []string{cfg.MutexName, cfg.EmptyName, cfg.FullName} {
		if _, err := b.OpenSemaphore(name, 0, false); !isNotExist(err) {
			t.Fatalf("semaphore %s survived teardown: %v", name, err)
		}
	}
}

// TestSystemTimeout tests a bounded wait against real semaphores
func TestSystemTimeout(t *testing.T) {
	cfg := systemConfig(t)
	cfg.Timeout = 50 * time.Millisecond

	_, err := Consume(context.Background(), cfg)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Consume = %v, want ErrTimeout", err)
	}
}

// TestSystemDestroy tests removing a channel left behind by a crashed run
func TestSystemDestroy(t *testing.T) {
	cfg := systemConfig(t)
	ctx := context.Background()

	ch, err := Open(ctx, cfg, RoleProducer)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ch.Send(ctx, [12]byte{}, []byte("orphan")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ch.Close()

	if err := Destroy(cfg); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// Nothing left to remove
	if err := Destroy(cfg); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}

	strict := cfg
	strict.RequireExisting = true
	if _, err := Open(ctx, strict, RoleConsumer); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("Open after Destroy = %v, want ErrResourceUnavailable", err)
	}
}

// TestSystemConsumerFirstTeardown tests repeated consumer-first handoffs
// with the default teardown against the real objects
func TestSystemConsumerFirstTeardown(t *testing.T) {
	cfg := systemConfig(t)
	ctx := context.Background()
	b := SystemBackendFor(cfg)

	for i := range 20 {
		cfg.QueueDepth = 1 + i%3
		var got Result
		var g errgroup.Group
		g.Go(func() error {
			var err error
			got, err = Consume(ctx, cfg)
			return err
		})
		time.Sleep(5 * time.Millisecond)
		if _, err := Produce(ctx, cfg, []byte("hello")); err != nil {
			t.Fatalf("run %d Produce: %v", i, err)
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("run %d Consume: %v", i, err)
		}
		if !got.TornDown {
			t.Fatalf("run %d: teardown skipped: %v", i, got.TeardownErr)
		}
		if _, err := b.OpenSegment(0, false); !isNotExist(err) {
			t.Fatalf("run %d: segment survived teardown: %v", i, err)
		}
	}
}

// TestSystemForeignSegment tests a segment left on the key by another program
func TestSystemForeignSegment(t *testing.T) {
	cfg := systemConfig(t)
	b := SystemBackendFor(cfg)

	seg, err := b.OpenSegment(1028, true)
	if err != nil {
		t.Fatal(err)
	}
	m, err := seg.Map()
	if err != nil {
		t.Fatal(err)
	}
	copy(m.Bytes(), "hello")
	m.Unmap()

	start := time.Now()
	_, err = Produce(context.Background(), cfg, []byte("x"))
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("Produce = %v, want ErrResourceUnavailable", err)
	}
	if d := time.Since(start); d >= cfg.AttachTimeout {
		t.Fatalf("Produce waited %v on a foreign segment", d)
	}

	if err := Destroy(cfg); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := Produce(context.Background(), cfg, []byte("x")); err != nil {
		t.Fatalf("Produce after Destroy: %v", err)
	}
}
