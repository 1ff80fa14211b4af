// Package lockmgr implements Beacon's named-resource lock manager: priority
// acquisition, re-entrant holds, FIFO waiter queues, priority stealing, and
// session-death release (spec.md §4.4).
//
// Manager is the single globally-mutable contended table the rest of the
// server serializes on (spec.md §5). Its mutex is never held across a
// network write: every mutating call returns a batch of Effect values
// describing frames to send, and the caller sends them after the call
// returns.
package lockmgr

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esrf-bcu/beacon/internal/wire"
)

// DefaultPriority is used when a LOCK request omits a priority.
const DefaultPriority = 50

// StolenAckTimeout bounds how long the manager waits for LOCK_STOLEN_ACK
// from every preempted holder before granting the new lock anyway
// (spec.md §4.4: "send LOCK_STOLEN... wait for LOCK_STOLEN_ACK (with a
// timeout), forcibly release those names, and grant the new lock"). A var,
// not a const, so tests can shorten it.
var StolenAckTimeout = 3 * time.Second

// SessionID identifies a connected client session. lockmgr does not care
// what it represents beyond identity and ordering of release.
type SessionID uuid.UUID

// Key is the normalized lock token string: "{priority}|{name1}|{name2}|...".
// Names are kept in the order the caller submitted them -- lock and unlock
// must use the same ordering, per spec.md §3.
type Key string

// NewKey builds the canonical token string for a priority and name set.
func NewKey(priority int, names []string) Key {
	return Key(wire.JoinFields(append([]string{strconv.Itoa(priority)}, names...)...))
}

// ParseKey splits a token string back into priority and names.
func ParseKey(key Key) (priority int, names []string, ok bool) {
	fields := strings.Split(string(key), wire.FieldSep)
	if len(fields) < 2 {
		return 0, nil, false
	}
	p, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil, false
	}
	return p, fields[1:], true
}

// Effect is a notification the caller must deliver to a session after the
// Manager's critical section has been released.
type Effect struct {
	Session SessionID
	Type    wire.MessageType
	Payload []byte
}

type holder struct {
	session  SessionID
	priority int
	refcount int
}

type waiter struct {
	session  SessionID
	priority int
	key      Key
}

// pendingSteal tracks a steal that has notified its preempted holders with
// LOCK_STOLEN and is waiting for LOCK_STOLEN_ACK from each of them (or the
// StolenAckTimeout) before the new session's lock is actually granted.
type pendingSteal struct {
	session  SessionID
	priority int
	names    []string // sorted, the new session's requested names
	key      Key
	blockers map[Key]*holder // the holds being preempted, still in the table until ack/timeout
	awaiting map[SessionID]struct{}
	timer    *time.Timer
}

// Manager is the lock table. Zero value is not usable; use New.
type Manager struct {
	mu sync.Mutex

	// holders maps a resource name to the token currently holding it.
	holders map[string]Key
	// byKey maps a held token to its holder bookkeeping.
	byKey map[Key]*holder
	// waiters maps a resource name to the FIFO queue of waiters blocked on
	// at least one name in their key.
	waiters map[string][]*waiter
	// sessionKeys tracks which keys a session holds, for ReleaseSession.
	sessionKeys map[SessionID]map[Key]struct{}
	// pendingSteals holds steals that are still waiting on LOCK_STOLEN_ACK,
	// keyed by the new session's requested key.
	pendingSteals map[Key]*pendingSteal

	// effects carries Effect values produced outside of a Lock/Unlock/
	// AckStolen call -- today, only the deferred LOCK_OK a steal's timeout
	// fires once StolenAckTimeout elapses without every ack arriving.
	effects chan Effect
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{
		holders:       make(map[string]Key),
		byKey:         make(map[Key]*holder),
		waiters:       make(map[string][]*waiter),
		sessionKeys:   make(map[SessionID]map[Key]struct{}),
		pendingSteals: make(map[Key]*pendingSteal),
		effects:       make(chan Effect, 64),
	}
}

// Effects returns the channel of Effect values produced asynchronously,
// i.e. outside the return value of whatever call triggered them. Callers
// should range over it for the lifetime of the Manager alongside
// delivering the synchronous return values of Lock/Unlock/AckStolen/
// ReleaseSession.
func (m *Manager) Effects() <-chan Effect {
	return m.effects
}

// blockingHolders returns, for a set of resource names, the distinct
// holder tokens currently blocking at least one of them.
func (m *Manager) blockingHolders(names []string) map[Key]*holder {
	out := make(map[Key]*holder)
	for _, n := range names {
		if k, ok := m.holders[n]; ok {
			if h, ok := m.byKey[k]; ok {
				out[k] = h
			}
		}
	}
	return out
}

func namesOf(key Key) []string {
	_, names, _ := ParseKey(key)
	return names
}

func (m *Manager) grant(session SessionID, priority int, names []string) Key {
	key := NewKey(priority, names)
	h := &holder{session: session, priority: priority, refcount: 1}
	m.byKey[key] = h
	for _, n := range names {
		m.holders[n] = key
	}
	if m.sessionKeys[session] == nil {
		m.sessionKeys[session] = make(map[Key]struct{})
	}
	m.sessionKeys[session][key] = struct{}{}
	return key
}

// Lock attempts to acquire priority|names on behalf of session. It returns
// the effects to deliver (at most one LOCK_OK/LOCK_STOLEN-fanout per call)
// and whether the requester is now blocked in the waiter queue (granted ==
// false, queued == true) or genuinely a no-op (empty names).
func (m *Manager) Lock(session SessionID, priority int, names []string) []Effect {
	if len(names) == 0 {
		return nil // zero-length payload is a no-op, spec.md §8
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]string, len(names))
	copy(sorted, names)
	// Matching key ordering must be stable for lock/unlock pairs; the spec
	// leaves submission order vs sorted order to the implementation as
	// long as lock and unlock agree. We sort so that two callers naming
	// the same resource set in different orders still collide correctly.
	sort.Strings(sorted)

	key := NewKey(priority, sorted)

	if existing, ok := m.byKey[key]; ok && existing.session == session {
		existing.refcount++
		return []Effect{{Session: session, Type: wire.LockOK, Payload: []byte(key)}}
	}

	blockers := m.blockingHolders(sorted)
	if len(blockers) == 0 {
		m.grant(session, priority, sorted)
		return []Effect{{Session: session, Type: wire.LockOK, Payload: []byte(key)}}
	}

	canSteal := true
	for _, h := range blockers {
		if priority <= h.priority {
			canSteal = false
			break
		}
	}

	if !canSteal {
		m.enqueue(session, priority, key, sorted)
		return nil
	}

	return m.steal(session, priority, sorted, key, blockers)
}

func (m *Manager) enqueue(session SessionID, priority int, key Key, names []string) {
	w := &waiter{session: session, priority: priority, key: key}
	for _, n := range names {
		m.waiters[n] = append(m.waiters[n], w)
	}
}

// steal notifies every blocking holder with LOCK_STOLEN and parks the new
// session as a pendingSteal: the table keeps the old holds in place, and
// the new lock is granted only once every preempted holder has sent
// LOCK_STOLEN_ACK (see AckStolen) or StolenAckTimeout elapses (see
// resolveStolenTimeout), per spec.md §4.4's two-phase ordering.
func (m *Manager) steal(session SessionID, priority int, sorted []string, key Key, blockers map[Key]*holder) []Effect {
	stolenBySession := make(map[SessionID][]string, len(blockers))
	for bkey, h := range blockers {
		stolenBySession[h.session] = append(stolenBySession[h.session], namesOf(bkey)...)
	}

	effects := make([]Effect, 0, len(stolenBySession))
	awaiting := make(map[SessionID]struct{}, len(stolenBySession))
	for sess, names := range stolenBySession {
		sort.Strings(names)
		effects = append(effects, Effect{
			Session: sess,
			Type:    wire.LockStolen,
			Payload: []byte(wire.JoinFields(names...)),
		})
		awaiting[sess] = struct{}{}
	}

	ps := &pendingSteal{
		session:  session,
		priority: priority,
		names:    sorted,
		key:      key,
		blockers: blockers,
		awaiting: awaiting,
	}
	ps.timer = time.AfterFunc(StolenAckTimeout, func() { m.resolveStolenTimeout(key) })
	m.pendingSteals[key] = ps

	return effects
}

// finalizeSteal releases every preempted hold and grants the parked
// session's lock. Must be called with m.mu held, and removes ps from
// pendingSteals itself.
func (m *Manager) finalizeSteal(ps *pendingSteal) Effect {
	for bkey, h := range ps.blockers {
		for _, n := range namesOf(bkey) {
			delete(m.holders, n)
		}
		delete(m.byKey, bkey)
		if keys := m.sessionKeys[h.session]; keys != nil {
			delete(keys, bkey)
		}
	}
	delete(m.pendingSteals, ps.key)
	m.grant(ps.session, ps.priority, ps.names)
	return Effect{Session: ps.session, Type: wire.LockOK, Payload: []byte(ps.key)}
}

// resolveStolenTimeout fires once StolenAckTimeout elapses after a steal's
// LOCK_STOLEN was sent. If every preempted holder already acked, the steal
// was already finalized by AckStolen and the timer fires on a no-op.
func (m *Manager) resolveStolenTimeout(key Key) {
	m.mu.Lock()
	ps, ok := m.pendingSteals[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	effect := m.finalizeSteal(ps)
	m.mu.Unlock()

	m.effects <- effect
}

// cancelStealsFor reconciles pendingSteals state when session disconnects
// (ReleaseSession), in either role it might hold in a pending steal: as
// the stealer, the steal is abandoned (the original holders were never
// actually touched, so there is nothing to undo); as a still-awaited
// preempted holder, its ack is treated as implicit. Must be called with
// m.mu held.
func (m *Manager) cancelStealsFor(session SessionID) []Effect {
	var effects []Effect
	for key, ps := range m.pendingSteals {
		if ps.session == session {
			ps.timer.Stop()
			delete(m.pendingSteals, key)
			continue
		}
		if _, waiting := ps.awaiting[session]; !waiting {
			continue
		}
		delete(ps.awaiting, session)
		if len(ps.awaiting) == 0 {
			ps.timer.Stop()
			effects = append(effects, m.finalizeSteal(ps))
		}
	}
	return effects
}

// keyAwaitedBySteal reports whether key is still a pendingSteal's
// not-yet-released preempted hold.
func (m *Manager) keyAwaitedBySteal(key Key) bool {
	for _, ps := range m.pendingSteals {
		if _, ok := ps.blockers[key]; ok {
			return true
		}
	}
	return false
}

// Unlock releases names previously locked by session at priority. A
// mismatched/absent hold is silently tolerated (spec.md scenario 3: a
// stolen lock's UNLOCK is a no-op). On reaching refcount zero, waiters
// touching the released names are woken with LOCK_RETRY.
func (m *Manager) Unlock(session SessionID, priority int, names []string) []Effect {
	if len(names) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	key := NewKey(priority, sorted)

	h, ok := m.byKey[key]
	if !ok || h.session != session {
		return nil
	}
	// A hold still reserved as a pendingSteal's not-yet-released preempted
	// side is left alone: its eventual release and the waiters it wakes
	// are finalizeSteal's responsibility (AckStolen/resolveStolenTimeout),
	// not an UNLOCK racing against them.
	if m.keyAwaitedBySteal(key) {
		return nil
	}

	h.refcount--
	if h.refcount > 0 {
		return nil
	}

	delete(m.byKey, key)
	for _, n := range sorted {
		delete(m.holders, n)
	}
	if keys := m.sessionKeys[session]; keys != nil {
		delete(keys, key)
	}

	return m.wake(sorted)
}

// wake sends LOCK_RETRY to every distinct waiter touching any of names and
// removes them from the queue (they re-enqueue themselves via a fresh
// LOCK call on receipt, per spec.md §4.4).
func (m *Manager) wake(names []string) []Effect {
	seen := make(map[SessionID]map[Key]struct{})
	var effects []Effect
	for _, n := range names {
		for _, w := range m.waiters[n] {
			if seen[w.session] == nil {
				seen[w.session] = make(map[Key]struct{})
			}
			if _, dup := seen[w.session][w.key]; dup {
				continue
			}
			seen[w.session][w.key] = struct{}{}
			effects = append(effects, Effect{Session: w.session, Type: wire.LockRetry, Payload: []byte(w.key)})
		}
		delete(m.waiters, n)
	}
	// A waiter may have been registered under names outside `names` too
	// (its key can span multiple resources); drop it from every queue it
	// was enqueued in, not just the ones that were released.
	for woken := range seen {
		for key := range seen[woken] {
			for _, n := range namesOf(key) {
				m.removeWaiter(n, woken, key)
			}
		}
	}
	return effects
}

func (m *Manager) removeWaiter(name string, session SessionID, key Key) {
	list := m.waiters[name]
	for i, w := range list {
		if w.session == session && w.key == key {
			m.waiters[name] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ReleaseSession releases every lock held by session and drops every
// waiter it registered, as if UNLOCK had been called with the session's
// current refcount on each held key, and as if the session simply vanished
// from each waiter queue it was parked in (spec.md §3, §4.4). It also
// reconciles any pendingSteal involving session: as the stealer, the steal
// is abandoned; as a still-awaited preempted holder, the ack is treated as
// implicit, since there is nothing left to forcibly release from a
// session that is already gone.
func (m *Manager) ReleaseSession(session SessionID) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	effects := m.cancelStealsFor(session)

	var releasedNames []string
	for key := range m.sessionKeys[session] {
		// A key still referenced by a pendingSteal's blockers is reserved
		// for that steal's eventual grant; leave the table entry alone
		// until finalizeSteal runs, so the name never goes momentarily
		// free for someone else to Lock in between.
		if m.keyAwaitedBySteal(key) {
			continue
		}
		delete(m.byKey, key)
		for _, n := range namesOf(key) {
			// m.holders[n] may already have moved to a different key if a
			// pendingSteal finalized above and re-granted n to someone
			// else; only release what this session still actually holds.
			if m.holders[n] == key {
				delete(m.holders, n)
				releasedNames = append(releasedNames, n)
			}
		}
	}
	delete(m.sessionKeys, session)

	for name, list := range m.waiters {
		filtered := list[:0]
		for _, w := range list {
			if w.session != session {
				filtered = append(filtered, w)
			}
		}
		if len(filtered) == 0 {
			delete(m.waiters, name)
		} else {
			m.waiters[name] = filtered
		}
	}

	if len(releasedNames) > 0 {
		effects = append(effects, m.wake(releasedNames)...)
	}
	return effects
}

// AckStolen records that session has acknowledged whatever names it was
// told were stolen from it. Once every holder a pending steal preempted
// has acked, that steal is finalized here and now: its stolen names are
// released and its deferred LOCK_OK is returned for the caller to deliver
// (spec.md §4.4, scenario 3: LOCK_STOLEN, then LOCK_STOLEN_ACK, then
// LOCK_OK). The payload is not otherwise interpreted -- a session can only
// be awaiting one ack per pendingSteal it was preempted by, so session
// identity alone disambiguates which steal(s) this ack resolves.
func (m *Manager) AckStolen(session SessionID, _ []byte) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	var effects []Effect
	for _, ps := range m.pendingSteals {
		if _, waiting := ps.awaiting[session]; !waiting {
			continue
		}
		delete(ps.awaiting, session)
		if len(ps.awaiting) > 0 {
			continue
		}
		ps.timer.Stop()
		effects = append(effects, m.finalizeSteal(ps))
	}
	return effects
}

// Held reports whether session currently holds a lock covering name, for
// diagnostics/tests.
func (m *Manager) Held(name string) (Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.holders[name]
	return k, ok
}
