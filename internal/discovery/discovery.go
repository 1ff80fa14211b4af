// Package discovery implements Beacon's UDP bootstrap: the server-side
// responder (spec.md §4.2) and the client-side broadcaster used before a
// client has a TCP/UDS endpoint to dial.
//
// Grounded on the bind/Serve/close shape of nspkt.Listener
// (other_examples/707acc0e_R2Northstar-Atlas__pkg-nspkt-listener.go.go) and
// on the broadcast-retry-with-deadline loop in
// original_source/bliss/config/conductor/connection.py.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultServerPort is the well-known UDP port Beacon listens on.
const DefaultServerPort = 8020

// DefaultClientPort is the conventional client-side UDP source port.
const DefaultClientPort = 8021

const helloPayload = "Hello"

// Responder answers discovery datagrams with "<hostname>|<tcp_port>".
// It performs no filtering: any datagram from any source is answered.
type Responder struct {
	log *logrus.Entry

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
}

// NewResponder creates an unbound Responder.
func NewResponder(log *logrus.Entry) *Responder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Responder{log: log.WithField("component", "discovery")}
}

// ListenAndServe binds UDP on addr (use ":8020" for all interfaces) and
// serves until ctx is canceled or Close is called.
func (r *Responder) ListenAndServe(ctx context.Context, addr string, tcpPort int) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("discovery: resolve %q: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("discovery: listen %q: %w", addr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.Close()
	}()

	return r.serve(tcpPort)
}

func (r *Responder) serve(tcpPort int) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	reply := []byte(fmt.Sprintf("%s|%d", hostname, tcpPort))

	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("discovery: read: %w", err)
		}
		_ = n // payload content is intentionally ignored; see package docs
		if _, err := r.conn.WriteToUDP(reply, from); err != nil {
			r.log.WithError(err).WithField("peer", from).Warn("discovery: reply failed")
		}
	}
}

// Close stops the responder.
func (r *Responder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	r.closing = true
	return r.conn.Close()
}

// Options configures client-side discovery.
type Options struct {
	// Host, when set, restricts acceptance to replies from this host and
	// is also used as the sole unicast destination instead of broadcast.
	Host string
	// ServerPort is the well-known discovery port to send to.
	ServerPort int
	// Timeout bounds the overall discovery attempt (default 3s).
	Timeout time.Duration
	// RetryInterval controls how often the broadcast is resent while
	// waiting for a reply (default 200ms).
	RetryInterval time.Duration
}

// ErrNoReply is returned when no server answers before the deadline.
var ErrNoReply = errors.New("discovery: no reply from any beacon server")

// Discover broadcasts (or unicasts, if Options.Host is set) a discovery
// datagram and waits for the first acceptable reply, returning the
// responding host and the TCP port it advertised.
func Discover(ctx context.Context, opts Options) (host string, port int, err error) {
	if opts.ServerPort == 0 {
		opts.ServerPort = DefaultServerPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return "", 0, fmt.Errorf("discovery: open client socket: %w", err)
	}
	defer conn.Close()

	destinations, err := destinationAddrs(opts)
	if err != nil {
		return "", 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	send := func() {
		for _, d := range destinations {
			_, _ = conn.WriteToUDP([]byte(helloPayload), d)
		}
	}
	send()

	buf := make([]byte, 2048)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(opts.RetryInterval))
		n, _, rerr := conn.ReadFromUDP(buf)
		if rerr == nil {
			host, port, ok := parseReply(buf[:n])
			if !ok {
				continue
			}
			if opts.Host != "" && !hostMatches(opts.Host, host) {
				continue
			}
			return host, port, nil
		}

		select {
		case <-ctx.Done():
			return "", 0, ErrNoReply
		default:
			send()
		}
	}
}

func parseReply(payload []byte) (host string, port int, ok bool) {
	s := string(payload)
	idx := strings.LastIndexByte(s, '|')
	if idx < 0 {
		return "", 0, false
	}
	p, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:idx], p, true
}

func hostMatches(want, got string) bool {
	if want == got {
		return true
	}
	if want == "localhost" {
		local, err := os.Hostname()
		return err == nil && local == got
	}
	wantIPs, _ := net.LookupHost(want)
	gotIPs, _ := net.LookupHost(got)
	for _, w := range wantIPs {
		for _, g := range gotIPs {
			if w == g {
				return true
			}
		}
	}
	return false
}

// destinationAddrs resolves where discovery datagrams should be sent: a
// single unicast destination if Options.Host is set, otherwise every IPv4
// broadcast address reachable through the host's interfaces.
func destinationAddrs(opts Options) ([]*net.UDPAddr, error) {
	if opts.Host != "" {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", opts.Host, opts.ServerPort))
		if err != nil {
			return nil, fmt.Errorf("discovery: host %q not found: %w", opts.Host, err)
		}
		return []*net.UDPAddr{addr}, nil
	}

	broadcasts, err := BroadcastAddresses()
	if err != nil {
		return nil, err
	}
	if len(broadcasts) == 0 {
		return nil, errors.New("discovery: no broadcast-capable interface found")
	}

	addrs := make([]*net.UDPAddr, 0, len(broadcasts))
	for _, ip := range broadcasts {
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: opts.ServerPort})
	}
	return addrs, nil
}

// BroadcastAddresses enumerates the IPv4 broadcast address of every
// up, non-loopback interface on the host.
func BroadcastAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			bcast := broadcastFor(ipnet)
			if bcast != nil {
				out = append(out, bcast)
			}
		}
	}
	return out, nil
}

func broadcastFor(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	mask := ipnet.Mask
	if len(mask) != 4 {
		return nil
	}
	bcast := make(net.IP, 4)
	for i := range ip4 {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast
}
