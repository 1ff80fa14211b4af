// Package devproxy implements the connection-pooling replacement for
// original_source/bliss/comm/tcp_proxy.py. The source forks a standalone
// Python process per shared device, rendezvousing its ephemeral port
// through a Channel so every client that needs the same serial/TCP device
// dials the same forked relay instead of contending for the device
// directly. spec.md §9's redesign notes rule out fork+exec for this port:
// Proxy instead runs in-process, pooling any number of local client
// connections onto exactly one backend connection it keeps open and
// reconnects lazily.
package devproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/esrf-bcu/beacon/internal/channelbus"
)

// ErrClosed is returned by Serve-related calls once Close has run.
var ErrClosed = errors.New("devproxy: closed")

// Proxy relays any number of accepted client connections onto one shared
// backend connection, dialed lazily on the first client and redialed if
// it drops. It replaces tcp_proxy.py's single-client relay loop with a
// genuine N-to-1 fan-out: every attached client receives everything the
// backend sends, and every client's writes are serialized onto the one
// backend socket (spec.md §9, "pool connections instead of forking").
type Proxy struct {
	log         *logrus.Entry
	backendAddr string
	listenAddr  string

	mu      sync.Mutex
	backend net.Conn
	clients map[uint64]net.Conn
	nextID  uint64
	closed  bool

	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Proxy that relays to backendAddr ("host:port", dialed TCP).
func New(backendAddr string, log *logrus.Entry) *Proxy {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Proxy{
		log:         log.WithField("component", "devproxy").WithField("backend", backendAddr),
		backendAddr: backendAddr,
		clients:     make(map[uint64]net.Conn),
	}
}

// ListenAndServe binds listenAddr and accepts client connections until ctx
// is canceled or Close is called.
func (p *Proxy) ListenAndServe(ctx context.Context, listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("devproxy: listen %q: %w", listenAddr, err)
	}
	p.mu.Lock()
	p.listener = ln
	p.listenAddr = ln.Addr().String()
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			p.wg.Wait()
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		p.wg.Add(1)
		go p.handleClient(conn)
	}
}

// Addr returns the proxy's bound listen address, valid once
// ListenAndServe has started accepting.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listenAddr
}

func (p *Proxy) handleClient(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	id, err := p.attach(conn)
	if err != nil {
		p.log.WithError(err).Debug("devproxy: client rejected (no backend)")
		return
	}
	defer p.detach(id)

	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := p.writeBackend(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// attach registers conn as a fan-out target, dialing the backend (and
// starting its single reader goroutine) if this is the first client.
func (p *Proxy) attach(conn net.Conn) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}

	if p.backend == nil {
		backend, err := net.Dial("tcp", p.backendAddr)
		if err != nil {
			return 0, fmt.Errorf("devproxy: dial backend %q: %w", p.backendAddr, err)
		}
		if tc, ok := backend.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		p.backend = backend
		go p.readBackend(backend)
	}

	p.nextID++
	id := p.nextID
	p.clients[id] = conn
	return id, nil
}

func (p *Proxy) detach(id uint64) {
	p.mu.Lock()
	delete(p.clients, id)
	p.mu.Unlock()
}

// writeBackend serializes one client's bytes onto the shared backend
// connection. net.Conn.Write is not safe for concurrent callers with
// partial-write interleaving in general, so every client write takes the
// same lock a direct backend read never needs.
func (p *Proxy) writeBackend(data []byte) error {
	p.mu.Lock()
	backend := p.backend
	p.mu.Unlock()
	if backend == nil {
		return ErrClosed
	}
	_, err := backend.Write(data)
	return err
}

// readBackend is the single reader of the shared backend connection; it
// fans every chunk out to every currently attached client, matching
// tcp_proxy.py's "dest.recv -> client.sendall" hop but to N clients
// instead of one. A read error or EOF drops the backend and every
// attached client, so the next new client redials fresh.
func (p *Proxy) readBackend(backend net.Conn) {
	buf := make([]byte, 16*1024)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			p.broadcast(buf[:n])
		}
		if err != nil {
			p.dropBackend(backend)
			return
		}
	}
}

func (p *Proxy) broadcast(data []byte) {
	p.mu.Lock()
	targets := make([]net.Conn, 0, len(p.clients))
	for _, c := range p.clients {
		targets = append(targets, c)
	}
	p.mu.Unlock()

	for _, c := range targets {
		if _, err := c.Write(data); err != nil {
			p.log.WithError(err).Debug("devproxy: client write failed, closing")
			_ = c.Close()
		}
	}
}

func (p *Proxy) dropBackend(backend net.Conn) {
	p.mu.Lock()
	if p.backend == backend {
		p.backend = nil
	}
	clients := p.clients
	p.clients = make(map[uint64]net.Conn)
	p.mu.Unlock()

	_ = backend.Close()
	for _, c := range clients {
		_ = c.Close()
	}
}

// Close stops accepting new clients and tears down the backend connection
// and every currently attached client.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ln := p.listener
	backend := p.backend
	clients := p.clients
	p.clients = make(map[uint64]net.Conn)
	p.backend = nil
	p.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if backend != nil {
		_ = backend.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}

// Advertise publishes this proxy's listen address on the named channel bus
// channel, the Go-native replacement for tcp_proxy.py storing its forked
// relay's ephemeral "host:port" in a Channel: any process that discovers
// the channel's value can reuse this already-running proxy instead of
// starting a second one for the same backend.
func (p *Proxy) Advertise(bus *channelbus.Bus, channelName string) error {
	addr := p.Addr()
	if addr == "" {
		return errors.New("devproxy: Advertise called before ListenAndServe bound a listener")
	}
	ch := bus.Channel(channelName, nil, false, false, 0)
	return ch.SetValue([]byte(addr))
}

// Discover looks up a live proxy's advertised address on the channel bus,
// using the channel's survey-based late-joiner recovery so a process that
// starts after the proxy was advertised still finds it within timeout.
// The zero value ("", false) means no running proxy was found.
func Discover(bus *channelbus.Bus, channelName string, timeout time.Duration) (addr string, ok bool) {
	ch := bus.Channel(channelName, nil, false, true, timeout)
	value, initialized := ch.Value()
	if !initialized || len(value) == 0 {
		return "", false
	}
	return string(value), true
}
