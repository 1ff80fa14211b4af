package beaconclient

import (
	"context"
	"fmt"
	"time"

	"github.com/esrf-bcu/beacon/internal/lockmgr"
	"github.com/esrf-bcu/beacon/internal/wire"
)

// lockEvent is what a pending Lock call's waiter receives: either a
// wire.MessageType status (LockOK or LockRetry) or a terminal error.
type lockEvent struct {
	status wire.MessageType
	err    error
}

// LockOptions configures Lock/Unlock, mirroring connection.py's
// priority/timeout keyword arguments.
type LockOptions struct {
	Priority int
	Timeout  time.Duration
}

func (o LockOptions) priorityOrDefault() int {
	if o.Priority == 0 {
		return lockmgr.DefaultPriority
	}
	return o.Priority
}

// Lock acquires every named resource, retrying LOCK as long as the server
// answers LOCK_RETRY, until LOCK_OK arrives or the timeout elapses
// (connection.py's lock()). A LOCK_STOLEN notification for a resource this
// call is still waiting on does not interrupt the wait: stealing only
// affects a resource once it is held.
func (c *Client) Lock(ctx context.Context, names []string, opts LockOptions) error {
	if len(names) == 0 {
		return nil
	}
	priority := opts.priorityOrDefault()
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := wire.JoinFields(append([]string{fmt.Sprint(priority)}, names...)...)
	ch := c.registerLockWaiter(key)
	defer c.unregisterLockWaiter(key, ch)

	for {
		if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.Lock, Payload: []byte(key)}); err != nil {
			return err
		}
		select {
		case ev := <-ch:
			if ev.err != nil {
				return ev.err
			}
			if ev.status == wire.LockOK {
				return nil
			}
			// LockRetry: loop and resend.
		case <-ctx.Done():
			return fmt.Errorf("beaconclient: lock timeout on %v: %w", names, ctx.Err())
		}
	}
}

// Unlock releases every named resource. UNLOCK has no positive
// acknowledgement on the wire (connection.py's unlock() does not wait for
// one either); Unlock only waits long enough to flush the write.
func (c *Client) Unlock(ctx context.Context, names []string, opts LockOptions) error {
	if len(names) == 0 {
		return nil
	}
	priority := opts.priorityOrDefault()
	key := wire.JoinFields(append([]string{fmt.Sprint(priority)}, names...)...)

	done := make(chan error, 1)
	go func() { done <- c.currentConn().WriteFrame(wire.Frame{Type: wire.Unlock, Payload: []byte(key)}) }()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultUnlockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("beaconclient: unlock timeout on %v: %w", names, ctx.Err())
	}
}

func (c *Client) registerLockWaiter(key string) chan lockEvent {
	ch := make(chan lockEvent, 4)
	c.lockMu.Lock()
	c.pendingLock[key] = append(c.pendingLock[key], ch)
	c.lockMu.Unlock()
	return ch
}

func (c *Client) unregisterLockWaiter(key string, target chan lockEvent) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	waiters := c.pendingLock[key]
	for i, w := range waiters {
		if w == target {
			c.pendingLock[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.pendingLock[key]) == 0 {
		delete(c.pendingLock, key)
	}
}

// lockMgt dispatches a LOCK_OK reply (whose payload echoes the exact
// "priority|name1|..." key the server granted) to the oldest waiter
// registered for that key, matching connection.py's _lock_mgt: "pop the
// first pending queue, or auto-UNLOCK if nothing was waiting" (a grant
// arriving after the caller already timed out and deregistered).
func (c *Client) lockMgt(key string, status wire.MessageType) {
	c.lockMu.Lock()
	waiters := c.pendingLock[key]
	var head chan lockEvent
	if len(waiters) > 0 {
		head = waiters[0]
		c.pendingLock[key] = waiters[1:]
	}
	c.lockMu.Unlock()

	if head == nil {
		_ = c.currentConn().WriteFrame(wire.Frame{Type: wire.Unlock, Payload: []byte(key)})
		return
	}
	head <- lockEvent{status: status}
}

// broadcastLockRetry fans LOCK_RETRY out to every outstanding Lock call,
// matching connection.py's "for m,l in self._pending_lock: for e in l:
// e.put(LOCK_RETRY)".
func (c *Client) broadcastLockRetry() {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	for _, waiters := range c.pendingLock {
		for _, w := range waiters {
			select {
			case w <- lockEvent{status: wire.LockRetry}:
			default:
			}
		}
	}
}

// handleLockStolen notifies StolenHandler (if set) of the resources a
// steal reports, then unconditionally acknowledges it. connection.py only
// kills greenlets that actually hold an intersecting lock; this client has
// no equivalent of per-greenlet lock bookkeeping, so it reports every
// steal to the caller's handler and lets the caller decide what to do.
func (c *Client) handleLockStolen(payload []byte) {
	names := wire.SplitFields(payload)
	if c.StolenHandler != nil {
		c.StolenHandler(names)
	}
	_ = c.currentConn().WriteFrame(wire.Frame{Type: wire.LockStolenAck, Payload: payload})
}
