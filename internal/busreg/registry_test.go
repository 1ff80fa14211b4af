package busreg

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 30 * time.Second

const redisAddr = "localhost:6379"

// newTestClient connects to a local Redis instance, exactly like the
// teacher's makeRedisClient. These tests require that instance to be
// running; they are integration tests, not unit tests.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", redisAddr, err)
	}
	return c
}

func TestRegisterAndList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := newTestClient(t)
	t.Cleanup(func() { flushRegistry(ctx, client) })

	r1, err := New(ctx, client, Broadcast, Endpoint{Host: "host-a", Port: 9001}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r1.Close() })

	r2, err := New(ctx, client, Broadcast, Endpoint{Host: "host-b", Port: 9002}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r2.Close() })

	peers, err := r1.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Endpoint{
		{Host: "host-a", Port: 9001},
		{Host: "host-b", Port: 9002},
	}, peers)
}

func TestDifferentKindsDoNotMix(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := newTestClient(t)
	t.Cleanup(func() { flushRegistry(ctx, client) })

	bcast, err := New(ctx, client, Broadcast, Endpoint{Host: "host-a", Port: 9001}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bcast.Close() })

	survey, err := New(ctx, client, Survey, Endpoint{Host: "host-a", Port: 9101}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = survey.Close() })

	bpeers, err := bcast.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Host: "host-a", Port: 9001}}, bpeers)

	speers, err := survey.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Host: "host-a", Port: 9101}}, speers)
}

func TestCloseDeregistersImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := newTestClient(t)
	t.Cleanup(func() { flushRegistry(ctx, client) })

	r, err := New(ctx, client, Broadcast, Endpoint{Host: "host-a", Port: 9001}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Close())

	peers, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestReservePortIsCompareAndSwap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := newTestClient(t)
	t.Cleanup(func() { flushRegistry(ctx, client) })

	r, err := New(ctx, client, Broadcast, Endpoint{Host: "host-a", Port: 9001}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	first, err := r.ReservePort(ctx, 41000, "owner-a")
	require.NoError(t, err)
	assert.True(t, first, "first reservation of a free port must succeed")

	second, err := r.ReservePort(ctx, 41000, "owner-b")
	require.NoError(t, err)
	assert.False(t, second, "a second reservation of the same port must fail")
}

func flushRegistry(ctx context.Context, client *redis.Client) {
	keys, _ := client.Keys(ctx, keyPrefix+"*").Result()
	if len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}
