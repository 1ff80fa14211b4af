package devproxy

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBackend starts a trivial line-echo TCP server standing in for the
// serial/TCP device tcp_proxy.py would otherwise relay to.
func echoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					_, _ = c.Write(append(scanner.Bytes(), '\n'))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func startProxy(t *testing.T, backendAddr string) *Proxy {
	t.Helper()
	p := New(backendAddr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		go func() {
			for p.Addr() == "" {
				time.Sleep(time.Millisecond)
			}
			close(ready)
		}()
		_ = p.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	<-ready
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSingleClientRoundTrip(t *testing.T) {
	backend := echoBackend(t)
	p := startProxy(t, backend)

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	reply := make([]byte, 6)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(reply))
}

func TestMultipleClientsShareOneBackendConnection(t *testing.T) {
	backend := echoBackend(t)
	p := startProxy(t, backend)

	c1, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer c1.Close()

	_, err = c1.Write([]byte("first\n"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = c1.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(buf))

	c2, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer c2.Close()

	p.mu.Lock()
	clientCount := len(p.clients)
	p.mu.Unlock()
	assert.Equal(t, 2, clientCount, "both clients should be attached to the same proxy")

	_, err = c2.Write([]byte("second\n"))
	require.NoError(t, err)
	buf2 := make([]byte, 7)
	_, err = c2.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(buf2))
}

func TestBackendDropClosesAllClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	backendAddr := ln.Addr().String()

	acceptedConn := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedConn <- c
		}
	}()

	p := startProxy(t, backendAddr)

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("x\n"))
	require.NoError(t, err)

	var backendSide net.Conn
	select {
	case backendSide = <-acceptedConn:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never accepted the proxy's connection")
	}
	require.NoError(t, backendSide.Close())

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "client connection should be closed once the backend drops")
}

func TestClosePreventsFurtherAccepts(t *testing.T) {
	backend := echoBackend(t)
	p := startProxy(t, backend)

	require.NoError(t, p.Close())

	_, err := net.Dial("tcp", p.Addr())
	assert.Error(t, err)
}
