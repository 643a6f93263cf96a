package stream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"gosuda.org/handoff/internal/protocol"
)

func socketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "s.sock")
}

func TestRoundTrip(t *testing.T) {
	path := socketPath(t)

	// A stale file at the endpoint must not prevent binding
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := xid.New()
	var g errgroup.Group
	g.Go(func() error {
		return Send(ctx, path, id, []byte("ping"))
	})

	gotID, payload, err := ln.Receive(ctx, protocol.DefaultMaxMessage)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotID != id || string(payload) != "ping" {
		t.Fatalf("Receive = %v %q, want %v %q", gotID, payload, id, "ping")
	}

	if err := ln.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("endpoint still present after Close: %v", err)
	}
}

func TestReceiveFragmented(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := bytes.Repeat([]byte("x"), 900)
	var frame bytes.Buffer
	if err := protocol.WriteFrame(&frame, xid.New(), want); err != nil {
		t.Fatal(err)
	}

	// Dribble the frame in small writes with pauses in between
	var g errgroup.Group
	g.Go(func() error {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return err
		}
		defer conn.Close()
		b := frame.Bytes()
		for len(b) > 0 {
			n := min(len(b), 7)
			if _, err := conn.Write(b[:n]); err != nil {
				return err
			}
			b = b[n:]
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	_, got, err := ln.Receive(ctx, protocol.DefaultMaxMessage)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Receive returned %d bytes, want %d", len(got), len(want))
	}
}

func TestReceiveTooLong(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		return Send(ctx, path, xid.New(), make([]byte, 64))
	})
	_, _, err = ln.Receive(ctx, 16)
	g.Wait()
	if !errors.Is(err, protocol.ErrMessageTooLong) {
		t.Fatalf("Receive = %v, want ErrMessageTooLong", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	ln, err := Listen(socketPath(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := ln.Receive(ctx, 16); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v, want DeadlineExceeded", err)
	}
}

func TestReceiveCancel(t *testing.T) {
	ln, err := Listen(socketPath(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, _, err := ln.Receive(ctx, 16); !errors.Is(err, context.Canceled) {
		t.Fatalf("Receive = %v, want Canceled", err)
	}
}

func TestSendWithoutListener(t *testing.T) {
	err := Send(context.Background(), socketPath(t), xid.New(), []byte("x"))
	if err == nil {
		t.Fatal("Send without a listener should fail")
	}
}

func TestWaitForEndpoint(t *testing.T) {
	path := socketPath(t)
	ctx := context.Background()

	if err := WaitForEndpoint(ctx, path, 20*time.Millisecond); !errors.Is(err, ErrEndpointMissing) {
		t.Fatalf("WaitForEndpoint on missing path = %v, want ErrEndpointMissing", err)
	}

	done := make(chan error, 1)
	go func() { done <- WaitForEndpoint(ctx, path, 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	if err := <-done; err != nil {
		t.Fatalf("WaitForEndpoint: %v", err)
	}
	// Present already
	if err := WaitForEndpoint(ctx, path, time.Millisecond); err != nil {
		t.Fatalf("WaitForEndpoint on existing path: %v", err)
	}
}
