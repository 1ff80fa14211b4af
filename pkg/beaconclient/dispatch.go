package beaconclient

import (
	"errors"
	"io"
	"net"

	"github.com/esrf-bcu/beacon/internal/wire"
)

// msgEvent is the one shape every reply-routing channel carries, mirroring
// connection.py's single Queue that gets fed bytes, a RuntimeError, or
// StopIteration depending on the caller's interpretation. path is set only
// for DB_FILE stream items.
type msgEvent struct {
	value []byte
	path  string
	err   error
	done  bool
}

// ErrClosed is returned by pending operations when the connection is
// closed while they are waiting for a reply.
var ErrClosed = errors.New("beaconclient: connection closed")

// readLoop is the client's single reader goroutine: connection.py's
// _raw_read translated from a byte-accumulating unpack loop (gevent has no
// framed reader) to transport.Conn.ReadFrame, which already knows the
// header/payload split.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		frame, err := conn.ReadFrame()
		if err != nil {
			c.readErr = err
			if !errors.Is(err, io.EOF) {
				c.log.WithError(err).Debug("beaconclient: read loop stopped")
			}
			c.failAllPending(err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.LockOK:
		c.lockMgt(string(frame.Payload), wire.LockOK)
	case wire.LockRetry:
		c.broadcastLockRetry()
	case wire.LockStolen:
		c.handleLockStolen(frame.Payload)

	case wire.GetFileOK:
		c.deliverKeyed(frame.Payload)
	case wire.GetFileFailed:
		c.deliverKeyedErr(frame.Payload)
	case wire.DBFile:
		c.deliverStreamItem(frame.Payload)
	case wire.DBEnd:
		c.deliverTerminal(string(frame.Payload), nil)
	case wire.SetFileOK:
		c.deliverTerminal(string(frame.Payload), nil)
	case wire.SetFileFailed:
		c.deliverKeyedErr(frame.Payload)
	case wire.RemoveFileOK:
		c.deliverTerminal(string(frame.Payload), nil)
	case wire.MovePathOK:
		c.deliverTerminal(string(frame.Payload), nil)
	case wire.OperationFailed:
		c.deliverKeyedErr(frame.Payload)

	case wire.RedisAddrReply:
		c.handleRedisAddrReply(frame.Payload)

	case wire.UDSOK, wire.UDSFailed:
		// The upgrade handshake is resolved synchronously in Connect,
		// before this read loop starts; a reply arriving here would mean
		// the server answered twice, and is ignored.

	case wire.Unknown:
		c.deliverKeyedErr(frame.Payload)
	}
}

func (c *Client) takePending(key string) (chan msgEvent, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch, ok := c.pending[key]
	return ch, ok
}

func (c *Client) register(key string) chan msgEvent {
	ch := make(chan msgEvent, 16)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregister(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// deliverKeyed routes a single-reply success frame ("msgkey|value") to its
// waiter as a terminal event.
func (c *Client) deliverKeyed(payload []byte) {
	key, rest, ok := wire.SplitKeyRest(payload)
	if !ok {
		return
	}
	if ch, ok := c.takePending(key); ok {
		ch <- msgEvent{value: rest, done: true}
	}
}

// deliverKeyedErr routes a "msgkey|errmsg" failure frame to its waiter.
func (c *Client) deliverKeyedErr(payload []byte) {
	key, rest, ok := wire.SplitKeyRest(payload)
	if !ok {
		key = string(payload)
		rest = nil
	}
	if ch, ok := c.takePending(key); ok {
		ch <- msgEvent{err: errors.New(string(rest)), done: true}
	}
}

// deliverTerminal routes a bare "msgkey" success frame (SET_FILE_OK,
// DB_END, REMOVE_FILE_OK, MOVE_PATH_OK) to its waiter as a terminal event
// with no payload.
func (c *Client) deliverTerminal(key string, err error) {
	if ch, ok := c.takePending(key); ok {
		ch <- msgEvent{err: err, done: true}
	}
}

// deliverStreamItem routes one "msgkey|relpath|content" DB_FILE frame to a
// GET_DB_TREE waiter without closing it out; DB_END follows separately.
func (c *Client) deliverStreamItem(payload []byte) {
	key, rest, ok := wire.SplitKeyRest(payload)
	if !ok {
		return
	}
	path, content, ok := wire.SplitKeyRest(rest)
	if !ok {
		return
	}
	c.pendingMu.Lock()
	ch := c.pending[key]
	c.pendingMu.Unlock()
	if ch == nil {
		return
	}
	ch <- msgEvent{path: path, value: content}
}

// handleRedisAddrReply parses the server's "host:port" address string
// (beaconserver.Session.dispatch echoes its configured redisAddr verbatim,
// colon-separated like a net.JoinHostPort address, not '|'-delimited).
func (c *Client) handleRedisAddrReply(payload []byte) {
	host, port, err := net.SplitHostPort(string(payload))
	if err != nil {
		return
	}
	c.redisMu.Lock()
	c.redisHost = host
	c.redisPort = port
	pending := c.redisPending
	c.redisPending = nil
	c.redisMu.Unlock()
	if pending != nil {
		close(pending)
	}
}

// failAllPending wakes every outstanding waiter with the read loop's
// terminal error, matching connection.py's finally-block teardown that
// closes the socket and abandons every pending queue.
func (c *Client) failAllPending(err error) {
	if errors.Is(err, io.EOF) {
		err = ErrClosed
	}

	c.pendingMu.Lock()
	for key, ch := range c.pending {
		ch <- msgEvent{err: err, done: true}
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	c.lockMu.Lock()
	for key, waiters := range c.pendingLock {
		for _, w := range waiters {
			w <- lockEvent{err: err}
		}
		delete(c.pendingLock, key)
	}
	c.lockMu.Unlock()

	c.redisMu.Lock()
	if c.redisPending != nil {
		close(c.redisPending)
		c.redisPending = nil
	}
	c.redisMu.Unlock()
}
