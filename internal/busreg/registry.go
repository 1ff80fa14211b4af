// Package busreg is Beacon's peer-rendezvous registry for the channel bus
// (spec.md §4.6): a Redis-backed set of this-process's broadcast/survey
// endpoints, kept alive by the same atomic-put-plus-heartbeat idiom the
// teacher's distributed lock uses, just repurposed from a mutual-exclusion
// lease to a liveness lease.
package busreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes the two endpoint sets a process registers under.
type Kind string

const (
	Broadcast Kind = "broadcast"
	Survey    Kind = "survey"
)

const keyPrefix = "beacon:bus:"

// defaultTTL is how long an unrenewed endpoint stays visible to peers
// before it is considered dead. Renewal runs at ttl/3, mirroring the
// teacher's redisLock heartbeat cadence.
const defaultTTL = 15 * time.Second

// ErrClosed is returned by Registry methods once Close has been called.
var ErrClosed = errors.New("busreg: registry closed")

// Endpoint is one process's address for a given Kind.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

func parseEndpoint(s string) (Endpoint, error) {
	var e Endpoint
	var port int
	n, err := fmt.Sscanf(s, "%[^:]:%d", &e.Host, &port)
	if err != nil || n != 2 {
		return Endpoint{}, fmt.Errorf("busreg: malformed endpoint %q", s)
	}
	e.Port = port
	return e, nil
}

// Registry registers this process's broadcast/survey endpoints in Redis
// sets and keeps them alive with a heartbeat, so other Beacon processes on
// the same Redis instance can discover all live channel-bus peers without
// a central directory server (spec.md §4.6).
type Registry struct {
	client redis.UniversalClient
	log    *logrus.Entry
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	member string // this process's unique member id, e.g. "host:port"
	kind   Kind
}

// New wires a Registry against an already-connected Redis client,
// registers self as a live member of the given Kind's set, and starts the
// background heartbeat. Call Close to deregister and stop the heartbeat.
func New(ctx context.Context, client redis.UniversalClient, kind Kind, self Endpoint, log *logrus.Entry) (*Registry, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		client: client,
		log:    log.WithFields(logrus.Fields{"component": "busreg", "kind": string(kind)}),
		ttl:    defaultTTL,
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
		member: self.String(),
		kind:   kind,
	}

	if err := r.renew(ctx); err != nil {
		cancel()
		return nil, err
	}

	go r.heartbeatLoop()
	return r, nil
}

func (r *Registry) setKey() string {
	return keyPrefix + string(r.kind)
}

func (r *Registry) memberKey() string {
	return keyPrefix + string(r.kind) + ":" + r.member
}

// renew re-adds this member to the set and resets its liveness key's TTL,
// the set-membership analogue of the teacher's AtomicPut-based lock lease.
func (r *Registry) renew(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.setKey(), r.member)
	pipe.Set(ctx, r.memberKey(), "1", r.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("busreg: renew %s: %w", r.member, err)
	}
	return nil
}

func (r *Registry) heartbeatLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.renew(r.ctx); err != nil {
				r.log.WithError(err).Warn("heartbeat renewal failed")
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// List returns every currently-live endpoint of this Kind, pruning set
// members whose liveness key has expired (a peer that crashed without a
// clean Close).
func (r *Registry) List(ctx context.Context) ([]Endpoint, error) {
	members, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("busreg: list %s: %w", r.kind, err)
	}

	var live []Endpoint
	for _, m := range members {
		exists, err := r.client.Exists(ctx, keyPrefix+string(r.kind)+":"+m).Result()
		if err != nil {
			r.log.WithError(err).WithField("member", m).Warn("liveness check failed")
			continue
		}
		if exists == 0 {
			// Stale: heartbeat expired but SREM never ran. Reap it so
			// List stays an accurate peer view for future callers.
			r.client.SRem(ctx, r.setKey(), m)
			continue
		}
		ep, err := parseEndpoint(m)
		if err != nil {
			r.log.WithError(err).Warn("dropping malformed registry member")
			continue
		}
		live = append(live, ep)
	}
	return live, nil
}

// Deregister removes this process's endpoint from the set immediately,
// for a clean shutdown that doesn't make peers wait out the TTL.
func (r *Registry) Deregister(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.setKey(), r.member)
	pipe.Del(ctx, r.memberKey())
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("busreg: deregister %s: %w", r.member, err)
	}
	return nil
}

// Close stops the heartbeat and deregisters this process's endpoint.
func (r *Registry) Close() error {
	r.cancel()
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Deregister(ctx)
}

// ReservePort performs a compare-and-swap style port reservation: the
// first process to SetNX a given port under this Kind owns it until it
// deregisters, letting several Beacon processes on one host agree on
// disjoint broadcast/survey ports without a central allocator (spec.md
// §4.6, "processes self-select a free port and publish it").
func (r *Registry) ReservePort(ctx context.Context, port int, owner string) (bool, error) {
	key := fmt.Sprintf("%sport:%s:%d", keyPrefix, r.kind, port)
	ok, err := r.client.SetNX(ctx, key, owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("busreg: reserve port %d: %w", port, err)
	}
	return ok, nil
}
