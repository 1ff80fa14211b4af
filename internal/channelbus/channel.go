package channelbus

import (
	"context"
	"sync"
)

// Subscription is the explicit unsubscribe handle a callback registration
// returns. The source relies on weak references so a callback whose owner
// was garbage-collected is silently dropped; Go has no usable weak-ref
// equivalent for this, so per spec.md §9 the owner must instead hold this
// handle and Close it when done (an RAII guard rather than GC magic).
type Subscription struct {
	ch *Channel
	cb func([]byte)
}

// Close unregisters the callback. Safe to call more than once.
func (s *Subscription) Close() {
	s.ch.mu.Lock()
	delete(s.ch.subs, s)
	s.ch.mu.Unlock()
}

// Channel is one named value kept consistent across processes by a Bus
// (spec.md §4.6, §3 "Channel"). Exactly one Channel exists per name per
// process; Bus.Channel enforces that singleton.
type Channel struct {
	bus  *Bus
	name string

	mu          sync.Mutex
	value       []byte
	initialized bool
	subs        map[*Subscription]struct{}
	initCh      chan struct{} // closed exactly once, when initialized first becomes true
}

func newChannel(bus *Bus, name string) *Channel {
	return &Channel{
		bus:    bus,
		name:   name,
		subs:   make(map[*Subscription]struct{}),
		initCh: make(chan struct{}),
	}
}

// Value returns the current cached value and whether the channel has ever
// been initialized (spec.md §3 "an initialized flag").
func (c *Channel) Value() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.initialized
}

// SetValue publishes a new value: it marks the channel initialized, caches
// the value locally, and broadcasts it to every connected peer — unless
// the new value equals the cached one, in which case the publish is
// suppressed entirely (spec.md §4.6 "Publish").
func (c *Channel) SetValue(value []byte) error {
	c.mu.Lock()
	if c.initialized && bytesEqual(c.value, value) {
		c.mu.Unlock()
		return nil
	}
	c.value = value
	wasInitialized := c.initialized
	c.initialized = true
	if !wasInitialized {
		close(c.initCh)
	}
	c.mu.Unlock()

	c.notify(value)
	return c.bus.publish(c.name, value)
}

// deliver is called by the Bus's receive loop when a peer publishes this
// channel's name. It never blocks on callbacks: one bad callback must not
// stall delivery to the others or to the receive loop (spec.md §4.6).
func (c *Channel) deliver(value []byte) {
	c.mu.Lock()
	if c.initialized && bytesEqual(c.value, value) {
		c.mu.Unlock()
		return
	}
	c.value = value
	wasInitialized := c.initialized
	c.initialized = true
	if !wasInitialized {
		close(c.initCh)
	}
	c.mu.Unlock()

	c.notify(value)
}

// adoptSurveyReply seeds the channel's value from a survey reply, exactly
// like deliver, but kept distinct so callers can tell the two code paths
// apart in logs.
func (c *Channel) adoptSurveyReply(value []byte) {
	c.deliver(value)
}

func (c *Channel) notify(value []byte) {
	c.mu.Lock()
	cbs := make([]func([]byte), 0, len(c.subs))
	for s := range c.subs {
		cbs = append(cbs, s.cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		safeCall(c.bus.log, cb, value)
	}
}

func safeCall(log interface{ Warn(args ...interface{}) }, cb func([]byte), value []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("channel callback panicked, ignoring")
		}
	}()
	cb(value)
}

// Subscribe registers cb to be called whenever the channel's value
// changes, including the initial delivery if the channel is already
// initialized. The returned Subscription must be Closed to unregister.
func (c *Channel) Subscribe(cb func([]byte)) *Subscription {
	sub := &Subscription{ch: c, cb: cb}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	initialized := c.initialized
	value := c.value
	c.mu.Unlock()

	if initialized {
		safeCall(c.bus.log, cb, value)
	}
	return sub
}

// WaitInitialized blocks until the channel has a value or ctx is done.
func (c *Channel) WaitInitialized(ctx context.Context) error {
	c.mu.Lock()
	already := c.initialized
	initCh := c.initCh
	c.mu.Unlock()
	if already {
		return nil
	}
	select {
	case <-initCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
