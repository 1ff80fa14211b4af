package beaconclient

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esrf-bcu/beacon/internal/beaconserver"
	"github.com/esrf-bcu/beacon/internal/configstore"
	"github.com/esrf-bcu/beacon/internal/lockmgr"
	"github.com/esrf-bcu/beacon/internal/transport"
)

// newTestServer starts a real beaconserver (same components
// internal/beaconserver's own tests use) and returns its "host:port"
// dial string, so these tests exercise the client against the actual
// wire protocol rather than a mock.
func newTestServer(t *testing.T, redisAddr string) string {
	t.Helper()

	dbRoot := t.TempDir()
	require.NoError(t, os.WriteFile(dbRoot+"/mot1.yml", []byte("name: mot1\nvelocity: 100\n"), 0o644))
	store, err := configstore.Open(dbRoot, nil)
	require.NoError(t, err)

	listener, err := transport.Listen("127.0.0.1:0", t.TempDir())
	require.NoError(t, err)

	srv := beaconserver.New(listener, lockmgr.New(), store, redisAddr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(cancel)

	return listener.Addr().String()
}

func dialClient(t *testing.T, addr string) *Client {
	t.Helper()
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok)
	port := mustAtoi(t, portStr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, Options{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		require.True(t, r >= '0' && r <= '9')
		n = n*10 + int(r-'0')
	}
	return n
}

func TestGetRedisConnectionAddress(t *testing.T) {
	addr := newTestServer(t, "redis-host:6379")
	c := dialClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := c.GetRedisConnectionAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis-host", got.Host)
	assert.Equal(t, "6379", got.Port)

	// cached path: second call must not block on a new round trip.
	got2, err := c.GetRedisConnectionAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Lock(ctx, []string{"mot1"}, LockOptions{}))
	require.NoError(t, c.Unlock(ctx, []string{"mot1"}, LockOptions{}))
	require.NoError(t, c.Lock(ctx, []string{"mot1"}, LockOptions{}))
}

func TestLockStealingInvokesStolenHandler(t *testing.T) {
	addr := newTestServer(t, "")
	low := dialClient(t, addr)
	high := dialClient(t, addr)

	stolen := make(chan []string, 1)
	low.StolenHandler = func(names []string) { stolen <- names }

	ctx := context.Background()
	require.NoError(t, low.Lock(ctx, []string{"mot1"}, LockOptions{Priority: 10}))
	require.NoError(t, high.Lock(ctx, []string{"mot1"}, LockOptions{Priority: 90}))

	select {
	case names := <-stolen:
		assert.Equal(t, []string{"mot1"}, names)
	case <-time.After(2 * time.Second):
		t.Fatal("incumbent never received a steal notification")
	}
}

func TestGetFileAndSetFileRoundTrip(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)
	ctx := context.Background()

	content, err := c.GetFile(ctx, "mot1.yml")
	require.NoError(t, err)
	assert.Equal(t, "name: mot1\nvelocity: 100\n", string(content))

	require.NoError(t, c.SetFile(ctx, "mot1.yml", []byte("name: mot1\nvelocity: 200\n")))

	content, err = c.GetFile(ctx, "mot1.yml")
	require.NoError(t, err)
	assert.Equal(t, "name: mot1\nvelocity: 200\n", string(content))
}

func TestGetFileMissingReturnsError(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)

	_, err := c.GetFile(context.Background(), "missing.yml")
	assert.Error(t, err)
}

func TestGetConfigDBTreeListsFiles(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)

	files, err := c.GetConfigDBTree(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0].Path, "mot1.yml")
}

func TestRemoveFileThenGetFileFails(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)
	ctx := context.Background()

	require.NoError(t, c.RemoveFile(ctx, "mot1.yml"))
	_, err := c.GetFile(ctx, "mot1.yml")
	assert.Error(t, err)
}

func TestMovePathRelocatesFile(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)
	ctx := context.Background()

	require.NoError(t, c.MovePath(ctx, "mot1.yml", "renamed/mot1.yml"))

	content, err := c.GetFile(ctx, "renamed/mot1.yml")
	require.NoError(t, err)
	assert.Equal(t, "name: mot1\nvelocity: 100\n", string(content))
}

func TestCloseUnblocksPendingCall(t *testing.T) {
	addr := newTestServer(t, "")
	c := dialClient(t, addr)

	require.NoError(t, c.Close())

	_, err := c.GetFile(context.Background(), "mot1.yml")
	assert.Error(t, err)
}
