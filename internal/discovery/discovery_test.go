package discovery

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponderAnswersAnyDatagram(t *testing.T) {
	r := NewResponder(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const port = 28021
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.ListenAndServe(ctx, "127.0.0.1:"+strconv.Itoa(port), 25001)
	}()
	time.Sleep(50 * time.Millisecond)

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer client.Close()

	// The responder performs no filtering: any payload is answered.
	_, err = client.Write([]byte("anything at all"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	require.NoError(t, err)

	host, port2, ok := parseReply(buf[:n])
	require.True(t, ok)
	require.Equal(t, 25001, port2)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	require.Equal(t, hostname, host)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("responder did not shut down")
	}
}

func TestBroadcastAddressesDoesNotError(t *testing.T) {
	_, err := BroadcastAddresses()
	require.NoError(t, err)
}

func TestParseReply(t *testing.T) {
	host, port, ok := parseReply([]byte("esrf-bcu1|25001"))
	require.True(t, ok)
	require.Equal(t, "esrf-bcu1", host)
	require.Equal(t, 25001, port)

	_, _, ok = parseReply([]byte("garbage"))
	require.False(t, ok)
}

func TestDiscoverHonorsHostOverride(t *testing.T) {
	// Start a responder on a fixed loopback port and have the client
	// unicast to it via Options.Host, exercising the full round trip
	// described in spec.md scenario 1 without relying on broadcast
	// delivery (unavailable in most CI network namespaces).
	responder := NewResponder(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const port = 28020
	errCh := make(chan error, 1)
	go func() {
		errCh <- responder.ListenAndServe(ctx, "127.0.0.1:"+strconv.Itoa(port), 25001)
	}()
	time.Sleep(50 * time.Millisecond)
	defer responder.Close()

	host, tcpPort, err := Discover(context.Background(), Options{
		Host:       "127.0.0.1",
		ServerPort: port,
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, 25001, tcpPort)
	require.NotEmpty(t, host)
}
