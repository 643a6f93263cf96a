package handoff

import (
	"context"
	"testing"
)

// TestInspect tests Inspect on a missing, a pending and a drained channel
func TestInspect(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	cfg := testConfig()
	cfg.QueueDepth = 3
	cfg.Teardown = false

	rep, err := Inspect(ctx, cfg, WithBackend(b))
	if err != nil {
		t.Fatalf("Inspect missing: %v", err)
	}
	if rep.Exists || rep.Segment != nil || rep.Ring != nil {
		t.Fatalf("Inspect missing = %+v, want nothing", rep)
	}
	for _, name := range []string{cfg.MutexName, cfg.EmptyName, cfg.FullName} {
		if rep.Semaphores[name].Exists {
			t.Fatalf("semaphore %s reported before creation", name)
		}
	}

	if _, err := Produce(ctx, cfg, []byte("pending"), WithBackend(b)); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	rep, err = Inspect(ctx, cfg, WithBackend(b))
	if err != nil {
		t.Fatalf("Inspect pending: %v", err)
	}
	if !rep.Exists || rep.Ring == nil {
		t.Fatalf("Inspect pending = %+v, want a ring", rep)
	}
	if rep.Ring.Slots != 3 || rep.Ring.Count != 1 || rep.Ring.Attached != 0 {
		t.Fatalf("ring = %+v, want 3 slots, 1 message, nobody attached", *rep.Ring)
	}
	want := map[string]int{cfg.MutexName: 1, cfg.EmptyName: 2, cfg.FullName: 1}
	for name, v := range want {
		if s := rep.Semaphores[name]; !s.Exists || s.Value != v {
			t.Fatalf("semaphore %s = %+v, want value %d", name, s, v)
		}
	}
	// Inspect must not leave a mapping behind
	if rep.Segment.Attached != 0 {
		t.Fatalf("segment attach count = %d during inspect, want 0", rep.Segment.Attached)
	}

	if _, err := Consume(ctx, cfg, WithBackend(b)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	rep, err = Inspect(ctx, cfg, WithBackend(b))
	if err != nil {
		t.Fatalf("Inspect drained: %v", err)
	}
	if rep.Ring.Count != 0 || rep.Ring.Sequence != 1 {
		t.Fatalf("ring = %+v, want empty after one handoff", *rep.Ring)
	}
}
