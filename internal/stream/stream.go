// Package stream moves a single framed message over a unix-domain stream socket.
//
// The listening side owns the endpoint path: it removes a stale path before
// binding and removes it again when done. Frames are length-prefixed, so a
// message split across several reads is reassembled before it is returned.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/xid"

	"gosuda.org/handoff/internal/protocol"
)

// ErrEndpointMissing is returned when the endpoint did not appear in time
var ErrEndpointMissing = errors.New("stream: endpoint did not appear")

var errWatcherClosed = errors.New("stream: endpoint watcher closed")

// Listener accepts exactly one sender on a unix socket path
type Listener struct {
	path string
	ln   *net.UnixListener
}

// Listen removes any stale endpoint at path and binds a new one
func Listen(path string) (*Listener, error) {
	if err := removeEndpoint(path); err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("stream: listen %s: %w", path, err)
	}
	// Close removes the path itself, including after a failed accept
	ln.SetUnlinkOnClose(false)
	return &Listener{path: path, ln: ln}, nil
}

// Path returns the endpoint path
func (l *Listener) Path() string { return l.path }

// Receive accepts one connection and reads one frame of at most max payload
// bytes from it. It honors ctx cancellation and deadline.
func (l *Listener) Receive(ctx context.Context, max int) (xid.ID, []byte, error) {
	stop := context.AfterFunc(ctx, func() {
		// Unblocks Accept and the read below
		l.ln.SetDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		l.ln.SetDeadline(deadline)
	}

	conn, err := l.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return xid.NilID(), nil, ctx.Err()
		}
		return xid.NilID(), nil, fmt.Errorf("stream: accept on %s: %w", l.path, err)
	}
	defer conn.Close()

	stopConn := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopConn()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	id, payload, err := protocol.ReadFrame(conn, max)
	if err != nil {
		if ctx.Err() != nil {
			return xid.NilID(), nil, ctx.Err()
		}
		return xid.NilID(), nil, err
	}
	return id, payload, nil
}

// Close stops listening and removes the endpoint path
func (l *Listener) Close() error {
	err := l.ln.Close()
	if rerr := removeEndpoint(l.path); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func removeEndpoint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stream: remove endpoint %s: %w", path, err)
	}
	return nil
}

// Send connects to path and writes one frame carrying payload
func Send(ctx context.Context, path string, id xid.ID, payload []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("stream: connect %s: %w", path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := protocol.WriteFrame(conn, id, payload); err != nil {
		return fmt.Errorf("stream: write to %s: %w", path, err)
	}
	return nil
}

// WaitForEndpoint blocks until path exists, ctx is done, or timeout passes
// It watches the parent directory so a listener that binds later is noticed
// as soon as the path is created.
func WaitForEndpoint(ctx context.Context, path string, timeout time.Duration) error {
	if exists(path) {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("stream: create endpoint watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("stream: watch %s: %w", dir, err)
	}

	// The listener may have bound between the first check and Add
	if exists(path) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s: %w", ErrEndpointMissing, path, ctx.Err())
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Has(fsnotify.Create) && filepath.Clean(ev.Name) == filepath.Clean(path) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatcherClosed
			}
			// Overflowed or failed watch; fall back to a direct check
			if exists(path) {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return fmt.Errorf("stream: watch %s: %w", dir, err)
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
