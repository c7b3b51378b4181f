package app

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obslog"
)

func newTestApp(t *testing.T) (*App, *loop.Loop) {
	t.Helper()
	l := loop.New()
	a := New(l, obslog.Noop(), nil)
	go l.Run(0)
	t.Cleanup(l.Stop)
	return a, l
}

func TestRawEchoServerDeliversMessageToClient(t *testing.T) {
	a, _ := newTestApp(t)

	recv := make(chan []byte, 1)
	serverSocket, err := a.Open(SocketConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Mode:   ModeServer,
		Parser: ParserRaw,
		IO: func(a *App, socket loop.SocketHandle, uuid, remote string, value any) bool {
			_ = a.Send(socket, RawBytes(value.([]byte)))
			return true
		},
	})
	require.NoError(t, err)

	addr, ok := a.ListenerAddr(serverSocket)
	require.True(t, ok)
	tcpAddr := addr.(*net.TCPAddr)

	conn, err := net.Dial("tcp", tcpAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	close(recv)
}

func TestJSONServerDecodesAndRepliesOverWire(t *testing.T) {
	a, _ := newTestApp(t)

	serverSocket, err := a.Open(SocketConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Mode:   ModeServer,
		Parser: ParserJSON,
		IO: func(a *App, socket loop.SocketHandle, uuid, remote string, value any) bool {
			var req map[string]any
			require.NoError(t, json.Unmarshal(value.(json.RawMessage), &req))
			_ = a.Send(socket, map[string]any{"echo": req["n"]})
			return true
		},
	})
	require.NoError(t, err)
	addr, _ := a.ListenerAddr(serverSocket)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"n":7}`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":7}`, string(buf[:n]))
}

func TestIOHandlerReturningFalseClosesConnection(t *testing.T) {
	a, _ := newTestApp(t)

	serverSocket, err := a.Open(SocketConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Mode:   ModeServer,
		Parser: ParserRaw,
		IO: func(a *App, socket loop.SocketHandle, uuid, remote string, value any) bool {
			return false
		},
	})
	require.NoError(t, err)
	addr, _ := a.ListenerAddr(serverSocket)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.Error(t, err) // peer closed the connection
}

func TestAcceptedCallbackRejectingClosesChild(t *testing.T) {
	a, _ := newTestApp(t)

	serverSocket, err := a.Open(SocketConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Mode:   ModeServer,
		Parser: ParserRaw,
		Accepted: func(a *App, listener, child loop.SocketHandle, userdata any) bool {
			return false
		},
	})
	require.NoError(t, err)
	addr, _ := a.ListenerAddr(serverSocket)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestByUUIDFindsLiveConnection(t *testing.T) {
	a, _ := newTestApp(t)

	found := make(chan string, 1)
	serverSocket, err := a.Open(SocketConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Mode:   ModeServer,
		Parser: ParserRaw,
		IO: func(a *App, socket loop.SocketHandle, uuid, remote string, value any) bool {
			found <- uuid
			return true
		},
	})
	require.NoError(t, err)
	addr, _ := a.ListenerAddr(serverSocket)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)

	select {
	case uuid := <-found:
		h, ok := a.ByUUID(uuid)
		require.True(t, ok)
		require.Contains(t, a.Connections(), h)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IO callback")
	}
}
