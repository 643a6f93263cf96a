package handoff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// TestStreamRoundTrip tests the stream transport
// It verifies the consumer receives the payload and removes the endpoint.
func TestStreamRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "h.sock")
	cfg.ConnectWait = 5 * time.Second
	ctx := context.Background()

	obs := newRecordingObserver()
	var got Result
	var g errgroup.Group
	g.Go(func() error {
		var err error
		got, err = ReceiveStream(ctx, cfg, WithObserver(obs))
		return err
	})

	// The producer may start first; it waits for the endpoint
	sent, err := SendStream(ctx, cfg, []byte("ping"), WithObserver(obs))
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ReceiveStream: %v", err)
	}
	if string(got.Payload) != "ping" || got.ID != sent.ID {
		t.Fatalf("ReceiveStream = %q (%v), want ping (%v)", got.Payload, got.ID, sent.ID)
	}
	if _, err := os.Stat(cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("endpoint still present: %v", err)
	}
}

func TestStreamErrors(t *testing.T) {
	cfg := testConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "h.sock")
	ctx := context.Background()

	if _, err := SendStream(ctx, cfg, make([]byte, cfg.MaxMessage+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("SendStream oversized = %v, want ErrMessageTooLong", err)
	}
	if _, err := SendStream(ctx, cfg, []byte("x")); !errors.Is(err, ErrTransfer) {
		t.Fatalf("SendStream without listener = %v, want ErrTransfer", err)
	}

	cfg.ConnectWait = 20 * time.Millisecond
	if _, err := SendStream(ctx, cfg, []byte("x")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendStream waiting for endpoint = %v, want ErrTimeout", err)
	}

	cfg.Timeout = 20 * time.Millisecond
	if _, err := ReceiveStream(ctx, cfg); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReceiveStream without producer = %v, want ErrTimeout", err)
	}
	if _, err := os.Stat(cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("endpoint left behind after timeout: %v", err)
	}
}
