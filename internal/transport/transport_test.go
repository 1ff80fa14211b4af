package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esrf-bcu/beacon/internal/wire"
)

func TestTCPRoundTrip(t *testing.T) {
	l, err := Listen("127.0.0.1:0", t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		f, err := conn.ReadFrame()
		if err != nil {
			serverDone <- err
			return
		}
		serverDone <- conn.WriteFrame(wire.Frame{Type: wire.LockOK, Payload: f.Payload})
	}()

	client, err := Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteFrame(wire.Frame{Type: wire.Lock, Payload: []byte("50|mot1")}))
	reply, err := client.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.LockOK, reply.Type)
	require.Equal(t, "50|mot1", string(reply.Payload))

	require.NoError(t, <-serverDone)
}

func TestUDSUpgrade(t *testing.T) {
	dir := t.TempDir()
	l, err := Listen("127.0.0.1:0", dir)
	require.NoError(t, err)
	defer l.Close()

	path, err := l.EnsureUDS()
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path))
	require.FileExists(t, path)
	require.Equal(t, dir, filepath.Dir(path))

	serverDone := make(chan error, 1)
	go func() {
		conn, err := l.AcceptUDS()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		f, err := conn.ReadFrame()
		if err != nil {
			serverDone <- err
			return
		}
		serverDone <- conn.WriteFrame(wire.Frame{Type: wire.UDSOK, Payload: f.Payload})
	}()

	client, err := Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteFrame(wire.Frame{Type: wire.UDSQuery, Payload: []byte("myhost")}))
	reply, err := client.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.UDSOK, reply.Type)

	require.NoError(t, <-serverDone)

	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestConnWriteIsSerializedAcrossGoroutines(t *testing.T) {
	l, err := Listen("127.0.0.1:0", t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	const frames = 50
	received := make(chan wire.Frame, frames)
	go func() {
		conn, err := l.Accept()
		require.NoError(t, err)
		defer conn.Close()
		for i := 0; i < frames; i++ {
			f, err := conn.ReadFrame()
			require.NoError(t, err)
			received <- f
		}
	}()

	client, err := Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	done := make(chan struct{})
	for i := 0; i < frames; i++ {
		go func(i int) {
			_ = client.WriteFrame(wire.Frame{Type: wire.Lock, Payload: []byte{byte(i)}})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < frames; i++ {
		<-done
	}

	for i := 0; i < frames; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("did not receive all frames")
		}
	}
}
