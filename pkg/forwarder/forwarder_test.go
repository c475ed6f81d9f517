package forwarder

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestForwarderPipesBytesToTarget(t *testing.T) {
	target := echoServer(t)
	f, err := Listen("127.0.0.1:0", target)
	require.NoError(t, err)
	go f.Serve()
	t.Cleanup(f.Stop)

	conn, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestResetForwardingAddressDoesNotAffectInFlightConnection(t *testing.T) {
	targetA := echoServer(t)
	targetB := echoServer(t)
	f, err := Listen("127.0.0.1:0", targetA)
	require.NoError(t, err)
	go f.Serve()
	t.Cleanup(f.Stop)

	conn, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// A second connection dialed after the swap should go to targetB;
	// the existing conn keeps using targetA regardless.
	f.ResetForwardingAddress(targetB)

	_, err = conn.Write([]byte("still-a"))
	require.NoError(t, err)
	buf := make([]byte, len("still-a"))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "still-a", string(buf))
}
