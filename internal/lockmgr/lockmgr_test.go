package lockmgr

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esrf-bcu/beacon/internal/wire"
)

func newSession() SessionID {
	return SessionID(uuid.New())
}

func singleEffect(t *testing.T, effects []Effect) Effect {
	t.Helper()
	require.Len(t, effects, 1)
	return effects[0]
}

func TestBasicLockUnlock(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	effects := m.Lock(a, 50, []string{"mot1"})
	ok := singleEffect(t, effects)
	assert.Equal(t, wire.LockOK, ok.Type)
	assert.Equal(t, a, ok.Session)

	// B is blocked: no effects at all (server sends nothing).
	assert.Empty(t, m.Lock(b, 50, []string{"mot1"}))

	effects = m.Unlock(a, 50, []string{"mot1"})
	retry := singleEffect(t, effects)
	assert.Equal(t, wire.LockRetry, retry.Type)
	assert.Equal(t, b, retry.Session)

	effects = m.Lock(b, 50, []string{"mot1"})
	ok = singleEffect(t, effects)
	assert.Equal(t, wire.LockOK, ok.Type)
	assert.Equal(t, b, ok.Session)
}

func TestReentrantLock(t *testing.T) {
	m := New()
	a := newSession()

	for i := 0; i < 3; i++ {
		effects := m.Lock(a, 50, []string{"mot1"})
		ok := singleEffect(t, effects)
		assert.Equal(t, wire.LockOK, ok.Type)
	}

	// Two unlocks: still held.
	assert.Empty(t, m.Unlock(a, 50, []string{"mot1"}))
	assert.Empty(t, m.Unlock(a, 50, []string{"mot1"}))

	_, held := m.Held("mot1")
	assert.True(t, held)

	// Third unlock releases it.
	m.Unlock(a, 50, []string{"mot1"})
	_, held = m.Held("mot1")
	assert.False(t, held)
}

func TestLockUnlockRoundTripIsNoop(t *testing.T) {
	m := New()
	a := newSession()

	m.Lock(a, 50, []string{"mot1"})
	m.Unlock(a, 50, []string{"mot1"})

	_, held := m.Held("mot1")
	assert.False(t, held)
	assert.Empty(t, m.waiters)
}

// TestPriorityStealing exercises the two-phase LOCK_STOLEN ->
// LOCK_STOLEN_ACK -> LOCK_OK ordering from spec.md §4.4 scenario 3: the
// steal only sends LOCK_STOLEN and must NOT grant the new lock until A
// acks.
func TestPriorityStealing(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})

	effects := m.Lock(b, 100, []string{"mot1"})
	stolen := singleEffect(t, effects)
	assert.Equal(t, wire.LockStolen, stolen.Type)
	assert.Equal(t, a, stolen.Session)
	assert.Equal(t, "mot1", string(stolen.Payload))

	// B is not yet granted: A still shows as the holder until it acks.
	key, held := m.Held("mot1")
	require.True(t, held)
	_, names, _ := ParseKey(key)
	assert.Equal(t, []string{"mot1"}, names)

	// A's old unlock is tolerated as a no-op rather than racing the
	// pending steal's eventual release.
	assert.Empty(t, m.Unlock(a, 50, []string{"mot1"}))
	_, held = m.Held("mot1")
	assert.True(t, held)

	granted := singleEffect(t, m.AckStolen(a, []byte("mot1")))
	assert.Equal(t, wire.LockOK, granted.Type)
	assert.Equal(t, b, granted.Session)

	key, held = m.Held("mot1")
	require.True(t, held)
	_, names, _ = ParseKey(key)
	assert.Equal(t, []string{"mot1"}, names)

	// A's unlock is now fully stale; still tolerated.
	assert.Empty(t, m.Unlock(a, 50, []string{"mot1"}))
}

func TestStolenAckFromUnrelatedSessionIsIgnored(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()
	c := newSession()

	m.Lock(a, 50, []string{"mot1"})
	singleEffect(t, m.Lock(b, 100, []string{"mot1"}))

	assert.Empty(t, m.AckStolen(c, []byte("mot1")))
	_, held := m.Held("mot1")
	assert.True(t, held)
}

func TestStolenAckTimeoutGrantsAnyway(t *testing.T) {
	orig := StolenAckTimeout
	StolenAckTimeout = 20 * time.Millisecond
	defer func() { StolenAckTimeout = orig }()

	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})
	singleEffect(t, m.Lock(b, 100, []string{"mot1"}))

	select {
	case effect := <-m.Effects():
		assert.Equal(t, wire.LockOK, effect.Type)
		assert.Equal(t, b, effect.Session)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deferred LOCK_OK")
	}

	key, held := m.Held("mot1")
	require.True(t, held)
	_, names, _ := ParseKey(key)
	assert.Equal(t, []string{"mot1"}, names)

	// The late ack, once it does arrive, is a no-op: the steal already
	// resolved via timeout.
	assert.Empty(t, m.AckStolen(a, []byte("mot1")))
}

func TestReleaseSessionAsStealerAbandonsPendingSteal(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})
	singleEffect(t, m.Lock(b, 100, []string{"mot1"}))

	// B (the stealer) disconnects before A ever acks.
	assert.Empty(t, m.ReleaseSession(b))

	// A still holds mot1; the steal never completed.
	key, held := m.Held("mot1")
	require.True(t, held)
	_, names, _ := ParseKey(key)
	assert.Equal(t, []string{"mot1"}, names)

	// A's later ack is now a no-op: there is no pending steal left.
	assert.Empty(t, m.AckStolen(a, []byte("mot1")))
}

func TestReleaseSessionAsPreemptedHolderFinalizesSteal(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})
	singleEffect(t, m.Lock(b, 100, []string{"mot1"}))

	// A (the preempted holder) disconnects instead of acking.
	granted := singleEffect(t, m.ReleaseSession(a))
	assert.Equal(t, wire.LockOK, granted.Type)
	assert.Equal(t, b, granted.Session)

	key, held := m.Held("mot1")
	require.True(t, held)
	_, names, _ := ParseKey(key)
	assert.Equal(t, []string{"mot1"}, names)
}

func TestEqualPriorityNeverSteals(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})
	assert.Empty(t, m.Lock(b, 50, []string{"mot1"}))

	_, held := m.Held("mot1")
	assert.True(t, held)
}

func TestZeroLengthPayloadIsNoop(t *testing.T) {
	m := New()
	a := newSession()

	assert.Nil(t, m.Lock(a, 50, nil))
	assert.Nil(t, m.Unlock(a, 50, nil))
}

func TestSessionDisconnectReleasesAndWakesWaiters(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})
	assert.Empty(t, m.Lock(b, 50, []string{"mot1"}))

	effects := m.ReleaseSession(a)
	retry := singleEffect(t, effects)
	assert.Equal(t, wire.LockRetry, retry.Type)
	assert.Equal(t, b, retry.Session)

	_, held := m.Held("mot1")
	assert.False(t, held)
}

func TestDisconnectWhileWaitingDropsWaiterWithoutRetry(t *testing.T) {
	m := New()
	a := newSession()
	b := newSession()

	m.Lock(a, 50, []string{"mot1"})
	assert.Empty(t, m.Lock(b, 50, []string{"mot1"}))

	// B disconnects before A releases.
	assert.Empty(t, m.ReleaseSession(b))

	// A releases: no one should be woken.
	assert.Empty(t, m.Unlock(a, 50, []string{"mot1"}))
}

func TestMultiResourceKeyOrderingMatchesOnLockAndUnlock(t *testing.T) {
	m := New()
	a := newSession()

	m.Lock(a, 50, []string{"mot1", "mot2"})
	_, held1 := m.Held("mot1")
	_, held2 := m.Held("mot2")
	assert.True(t, held1)
	assert.True(t, held2)

	// Unlock in a different submission order than lock; normalization
	// must still match since both are sorted before keying.
	effects := m.Unlock(a, 50, []string{"mot2", "mot1"})
	assert.Empty(t, effects)

	_, held1 = m.Held("mot1")
	_, held2 = m.Held("mot2")
	assert.False(t, held1)
	assert.False(t, held2)
}
