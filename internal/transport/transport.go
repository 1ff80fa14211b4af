// Package transport implements Beacon's per-client connection plumbing:
// a framed, write-serialized Conn over either TCP or a Unix-domain socket,
// and a Listener that accepts both and supports the TCP->UDS upgrade
// handshake (spec.md §4.3).
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/esrf-bcu/beacon/internal/wire"
)

// Conn wraps a net.Conn with frame-level read/write. Writes are serialized
// with a mutex so that a component emitting several frames for one request
// (e.g. GET_DB_TREE fanning out to many DB_FILE frames) cannot interleave
// with another component's writes on the same connection (spec.md §4.3,
// §5). Reads are not serialized: only one goroutine (the session's read
// loop) ever calls ReadFrame on a given Conn.
type Conn struct {
	raw net.Conn

	writeMu sync.Mutex
}

// NewConn wraps an already-established net.Conn.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Raw exposes the underlying net.Conn, e.g. for Close or deadlines.
func (c *Conn) Raw() net.Conn { return c.raw }

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetTCPNoDelay sets TCP_NODELAY if the underlying connection is TCP,
// matching connection.py's explicit setsockopt call. It is a no-op for
// Unix-domain sockets.
func (c *Conn) SetTCPNoDelay(enabled bool) error {
	if tc, ok := c.raw.(*net.TCPConn); ok {
		return tc.SetNoDelay(enabled)
	}
	return nil
}

// ReadFrame blocks until a full frame has been read: the 8-byte header,
// then exactly `length` payload bytes (spec.md §4.1).
func (c *Conn) ReadFrame() (wire.Frame, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(c.raw, header); err != nil {
		return wire.Frame{}, err
	}

	typ, length, err := wire.DecodeHeader(header)
	if err != nil {
		return wire.Frame{}, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.raw, payload); err != nil {
			return wire.Frame{}, err
		}
	}

	return wire.Frame{Type: typ, Payload: payload}, nil
}

// WriteFrame serializes and writes f, blocking other writers on this Conn
// until the full frame has been written.
func (c *Conn) WriteFrame(f wire.Frame) error {
	buf := wire.Encode(f)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write(buf)
	return err
}

// Write serializes and writes raw bytes (already wire-encoded), for
// callers that built the buffer themselves via wire.Message.
func (c *Conn) Write(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write(buf)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Dial connects to a TCP host:port or, if network is "unix", to a
// filesystem socket path, setting TCP_NODELAY when applicable.
func Dial(network, address string) (*Conn, error) {
	raw, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", network, address, err)
	}
	c := NewConn(raw)
	if network == "tcp" {
		_ = c.SetTCPNoDelay(true)
	}
	return c, nil
}
