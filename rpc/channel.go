// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Channel endpoints are Unix domain sockets named after the channel inside a
// socket directory. The side that owns the server role for a channel does
// not necessarily listen: on the primary channel the host listens and the
// worker dials, on the callback channel the worker listens and the host
// dials.

// SocketPath returns the endpoint path for a channel name.
func SocketPath(dir, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+".sock")
}

// Listener is a channel endpoint waiting for its single peer.
type Listener struct {
	ln   *net.UnixListener
	name string
	path string
	once sync.Once
}

// Listen creates the endpoint for name in dir. A stale socket file left by a
// crashed session is removed first.
func Listen(dir, name string) (*Listener, error) {
	path := SocketPath(dir, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale endpoint %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on channel %s: %w", name, err)
	}
	ln.SetUnlinkOnClose(true)
	return &Listener{ln: ln, name: name, path: path}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Accept waits for the peer to connect. It is bounded by ctx; a deadline on
// ctx acts as the connection timeout.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.ln.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock AcceptUnix immediately on cancellation.
		_ = l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c, err := l.ln.AcceptUnix()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("waiting for channel %s: %w", l.name, ctxErr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("waiting for channel %s: %w", l.name, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("waiting for channel %s: %w", l.name, err)
	}
	_ = l.ln.SetDeadline(time.Time{})
	return newConn(c, l.name), nil
}

// Close stops listening and removes the socket file. It is idempotent.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() { err = l.ln.Close() })
	return err
}

// Dial connects to the endpoint for name in dir, retrying until ctx ends
// because the peer may not be listening yet.
func Dial(ctx context.Context, dir, name string) (*Conn, error) {
	path := SocketPath(dir, name)
	var d net.Dialer
	backoff := 10 * time.Millisecond
	for {
		c, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return newConn(c, name), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dialing channel %s: %w (last error: %v)", name, ctx.Err(), err)
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Conn is one end of a connected channel.
type Conn struct {
	net.Conn
	name   string
	closed atomic.Bool
}

func newConn(c net.Conn, name string) *Conn {
	return &Conn{Conn: c, name: name}
}

// Name returns the channel name.
func (c *Conn) Name() string { return c.name }

// Connected reports whether Close has not been called yet. A peer that went
// away is detected by the next read or write.
func (c *Conn) Connected() bool { return !c.closed.Load() }

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.Conn.Close()
}
