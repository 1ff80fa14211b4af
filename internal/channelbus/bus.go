// Package channelbus implements Beacon's peer-to-peer channel pub/sub
// (spec.md §4.6): named values kept consistent across client processes by
// a per-process Bus that rendezvous-discovers its peers through
// internal/busreg and then exchanges channel traffic directly, without
// the coordinator ever seeing the payloads.
package channelbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/esrf-bcu/beacon/internal/busreg"
)

const (
	defaultSurveyDeadline = time.Second
	defaultSurveyRetries  = 3
	peerDialInterval      = 2 * time.Second
)

// Bus is the per-process hub owning the broadcast and survey endpoints
// described in spec.md §4.6. One Bus exists per (redis, host) identity;
// callers that need the source's per-Redis-connection bus_id semantics
// should key their own Bus instances accordingly.
type Bus struct {
	log *logrus.Entry

	broadcastLn net.Listener
	surveyLn    net.Listener

	broadcastReg *busreg.Registry
	surveyReg    *busreg.Registry
	self         busreg.Endpoint

	peersMu sync.Mutex
	peers   map[string]net.Conn

	chMu     sync.Mutex
	channels map[string]*Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus binds the broadcast and survey listeners on ephemeral ports,
// registers both with Redis via internal/busreg, and starts the
// background accept and peer-dialing loops.
func NewBus(ctx context.Context, client redis.UniversalClient, host string, log *logrus.Entry) (*Bus, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "channelbus")

	broadcastLn, err := net.Listen("tcp", host+":0")
	if err != nil {
		return nil, fmt.Errorf("channelbus: bind broadcast socket: %w", err)
	}
	surveyLn, err := net.Listen("tcp", host+":0")
	if err != nil {
		broadcastLn.Close()
		return nil, fmt.Errorf("channelbus: bind survey socket: %w", err)
	}

	self := busreg.Endpoint{Host: host, Port: broadcastLn.Addr().(*net.TCPAddr).Port}
	surveySelf := busreg.Endpoint{Host: host, Port: surveyLn.Addr().(*net.TCPAddr).Port}

	broadcastReg, err := busreg.New(ctx, client, busreg.Broadcast, self, log)
	if err != nil {
		broadcastLn.Close()
		surveyLn.Close()
		return nil, err
	}
	surveyReg, err := busreg.New(ctx, client, busreg.Survey, surveySelf, log)
	if err != nil {
		broadcastReg.Close()
		broadcastLn.Close()
		surveyLn.Close()
		return nil, err
	}

	busCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:          log,
		broadcastLn:  broadcastLn,
		surveyLn:     surveyLn,
		broadcastReg: broadcastReg,
		surveyReg:    surveyReg,
		self:         self,
		peers:        make(map[string]net.Conn),
		channels:     make(map[string]*Channel),
		ctx:          busCtx,
		cancel:       cancel,
	}

	b.wg.Add(3)
	go b.acceptBroadcastLoop()
	go b.acceptSurveyLoop()
	go b.dialPeersLoop()

	return b, nil
}

// Channel returns the process-local singleton Channel for name, creating
// it on first access (spec.md §3, §4.6 "at-most-one semantics"). When
// hasInitial is true, value is published immediately; otherwise a survey
// is issued to recover the current value from peers. If wait is true, the
// call blocks up to timeout for the channel to become initialized, but
// never fails the call on timeout: an uninitialized channel is a valid,
// documented outcome (spec.md §4.6 "Cache-recovery policy").
func (b *Bus) Channel(name string, initial []byte, hasInitial bool, wait bool, timeout time.Duration) *Channel {
	b.chMu.Lock()
	ch, exists := b.channels[name]
	if !exists {
		ch = newChannel(b, name)
		b.channels[name] = ch
	}
	b.chMu.Unlock()

	if !exists {
		if hasInitial {
			if err := ch.SetValue(initial); err != nil {
				b.log.WithError(err).WithField("channel", name).Warn("initial publish failed")
			}
		} else {
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				if value, ok := b.survey(name); ok {
					ch.adoptSurveyReply(value)
				}
			}()
		}
	}

	if wait {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = ch.WaitInitialized(ctx)
	}
	return ch
}

// publish broadcasts (name, value) to every currently connected peer.
func (b *Bus) publish(name string, value []byte) error {
	b.peersMu.Lock()
	conns := make([]net.Conn, 0, len(b.peers))
	for _, c := range b.peers {
		conns = append(conns, c)
	}
	b.peersMu.Unlock()

	for _, c := range conns {
		if err := writePublish(c, name, value); err != nil {
			b.log.WithError(err).Warn("publish to peer failed, dropping connection")
			b.dropPeer(c)
		}
	}
	return nil
}

func (b *Bus) dropPeer(c net.Conn) {
	b.peersMu.Lock()
	for addr, conn := range b.peers {
		if conn == c {
			delete(b.peers, addr)
			break
		}
	}
	b.peersMu.Unlock()
	_ = c.Close()
}

func (b *Bus) acceptBroadcastLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.broadcastLn.Accept()
		if err != nil {
			return
		}
		b.peersMu.Lock()
		b.peers[conn.RemoteAddr().String()] = conn
		b.peersMu.Unlock()
		b.wg.Add(1)
		go b.readPeerLoop(conn)
	}
}

func (b *Bus) readPeerLoop(conn net.Conn) {
	defer b.wg.Done()
	defer b.dropPeer(conn)
	for {
		name, value, err := readPublish(conn)
		if err != nil {
			return
		}
		b.deliver(name, value)
	}
}

// deliver hands a peer-published value to the local Channel of the same
// name, if this process holds one; unknown names are silently ignored
// (spec.md §4.6 "Deliver").
func (b *Bus) deliver(name string, value []byte) {
	b.chMu.Lock()
	ch, ok := b.channels[name]
	b.chMu.Unlock()
	if ok {
		ch.deliver(value)
	}
}

func (b *Bus) acceptSurveyLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.surveyLn.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go b.answerSurvey(conn)
	}
}

// answerSurvey replies to one survey request with the current value of
// the requested channel, if this process holds it and it is initialized.
// A miss simply closes the connection without writing a reply; the
// requester's per-peer deadline treats that identically to a lost packet.
func (b *Bus) answerSurvey(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	nameBytes, err := readBlob(conn)
	if err != nil {
		return
	}
	b.chMu.Lock()
	ch, ok := b.channels[string(nameBytes)]
	b.chMu.Unlock()
	if !ok {
		return
	}
	value, initialized := ch.Value()
	if !initialized {
		return
	}
	_ = writeBlob(conn, value)
}

// survey asks every known survey peer for name's current value, retrying
// up to defaultSurveyRetries times with a defaultSurveyDeadline window
// each time, and returns the first reply received (spec.md §4.6
// "Subscribe on first use").
func (b *Bus) survey(name string) ([]byte, bool) {
	for attempt := 0; attempt < defaultSurveyRetries; attempt++ {
		peers, err := b.surveyReg.List(b.ctx)
		if err != nil {
			b.log.WithError(err).Warn("listing survey peers failed")
			continue
		}

		type result struct {
			value []byte
			ok    bool
		}
		resultCh := make(chan result, len(peers))
		var pending sync.WaitGroup

		for _, peer := range peers {
			if peer == b.self {
				continue
			}
			pending.Add(1)
			go func(peer busreg.Endpoint) {
				defer pending.Done()
				value, ok := b.askOnce(peer, name)
				resultCh <- result{value, ok}
			}(peer)
		}

		go func() {
			pending.Wait()
			close(resultCh)
		}()

		deadline := time.After(defaultSurveyDeadline)
		hit, ok := func() ([]byte, bool) {
			for {
				select {
				case r, more := <-resultCh:
					if !more {
						return nil, false
					}
					if r.ok {
						return r.value, true
					}
				case <-deadline:
					return nil, false
				}
			}
		}()
		if ok {
			return hit, true
		}
	}
	return nil, false
}

func (b *Bus) askOnce(peer busreg.Endpoint, name string) ([]byte, bool) {
	conn, err := net.DialTimeout("tcp", peer.String(), defaultSurveyDeadline)
	if err != nil {
		return nil, false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(defaultSurveyDeadline))
	if err := writeBlob(conn, []byte(name)); err != nil {
		return nil, false
	}
	value, err := readBlob(conn)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (b *Bus) dialPeersLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(peerDialInterval)
	defer ticker.Stop()

	b.dialNewPeers()
	for {
		select {
		case <-ticker.C:
			b.dialNewPeers()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) dialNewPeers() {
	peers, err := b.broadcastReg.List(b.ctx)
	if err != nil {
		b.log.WithError(err).Warn("listing broadcast peers failed")
		return
	}
	for _, peer := range peers {
		if peer == b.self {
			continue
		}
		addr := peer.String()

		b.peersMu.Lock()
		_, connected := b.peers[addr]
		b.peersMu.Unlock()
		if connected {
			continue
		}

		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			continue
		}
		b.peersMu.Lock()
		b.peers[addr] = conn
		b.peersMu.Unlock()
		b.wg.Add(1)
		go b.readPeerLoop(conn)
	}
}

// Close tears down the bus: stops accept/dial loops, closes all peer
// connections, and deregisters both endpoints from Redis.
func (b *Bus) Close() error {
	b.cancel()
	_ = b.broadcastLn.Close()
	_ = b.surveyLn.Close()

	b.peersMu.Lock()
	for _, c := range b.peers {
		_ = c.Close()
	}
	b.peersMu.Unlock()

	b.wg.Wait()

	err1 := b.broadcastReg.Close()
	err2 := b.surveyReg.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
