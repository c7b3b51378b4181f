package frontend

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openvocs/ov-core/internal/app"
	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obslog"
	"github.com/openvocs/ov-core/internal/signaling"
)

// stubProxy is a bare-bones ICE proxy: a TCP client that speaks newline-free
// JSON objects back and forth, used to drive the frontend end-to-end
// without a real ICE stack.
type stubProxy struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
}

func dialStubProxy(t *testing.T, addr net.Addr) *stubProxy {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &stubProxy{t: t, conn: conn, dec: json.NewDecoder(bufio.NewReader(conn))}
}

func (p *stubProxy) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(p.t, err)
	_, err = p.conn.Write(data)
	require.NoError(p.t, err)
}

func (p *stubProxy) recv() map[string]any {
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v map[string]any
	require.NoError(p.t, p.dec.Decode(&v))
	return v
}

func newTestFrontend(t *testing.T) (*IceFrontend, *Registry, *app.App, net.Addr) {
	t.Helper()
	l := loop.New()
	a := app.New(l, obslog.Noop(), nil)
	go l.Run(0)
	t.Cleanup(l.Stop)

	registry := NewRegistry(obslog.Noop(), nil, nil)
	sig := signaling.New(a, obslog.Noop(), nil)
	f := New(sig, registry, obslog.Noop())

	socket, err := a.Open(app.SocketConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Mode:   app.ModeServer,
		Parser: app.ParserJSON,
		IO:     sig.IOFunc(),
		OnClose: func(a *app.App, socket loop.SocketHandle, uuid string) {
			registry.UnregisterProxy(socket)
		},
	})
	require.NoError(t, err)
	addr, _ := a.ListenerAddr(socket)
	return f, registry, a, addr
}

func TestProxyRegistrationMakesItSelectable(t *testing.T) {
	f, registry, _, addr := newTestFrontend(t)
	_ = f
	proxy := dialStubProxy(t, addr)

	proxy.send(map[string]any{
		"event": "register", "uuid": "r-1",
		"parameter": map[string]any{"uuid": "p-1"},
	})

	require.Eventually(t, func() bool {
		_, ok := registry.SelectProxy()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionCreateSuccessDeliversTypedResult(t *testing.T) {
	f, registry, a, addr := newTestFrontend(t)
	proxy := dialStubProxy(t, addr)

	proxy.send(map[string]any{"event": "register", "uuid": "r-1", "parameter": map[string]any{"uuid": "p-1"}})
	require.Eventually(t, func() bool { return registry.ProxyCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	socket, ok := registry.SelectProxy()
	require.True(t, ok)

	var mu sync.Mutex
	var got *SessionCreateResult
	var gotCode int
	f.SessionCreate(socket, "sdp", func(id string, code int, message string, result *SessionCreateResult) {
		mu.Lock()
		got = result
		gotCode = code
		mu.Unlock()
	})

	req := proxy.recv()
	require.Equal(t, "ice_session_create", req["event"])
	requestUUID, _ := req["uuid"].(string)
	require.NotEmpty(t, requestUUID)

	proxy.send(map[string]any{
		"event": "ice_session_create",
		"uuid":  requestUUID,
		"code":  0,
		"response": map[string]any{
			"session": "s-1",
			"type":    "offer",
			"sdp":     "sdp",
			"proxy": []map[string]any{
				{"ssrc": 12345, "socket": map[string]any{"host": "127.0.0.1", "port": 12345, "type": "udp"}},
			},
		},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, gotCode)
	require.Equal(t, "s-1", got.SessionID)
	require.Equal(t, "offer", got.Type)
	require.Equal(t, "sdp", got.SDP)
	require.Len(t, got.Proxy, 1)
	require.EqualValues(t, 12345, got.Proxy[0].SSRC)
	require.Equal(t, 12345, got.Proxy[0].Socket.Port)

	load, ok := registry.ProxyLoad(socket)
	require.True(t, ok)
	require.Equal(t, 1, load)
	_ = a
}

func TestSessionCreateMalformedResponseDropsProxyAndClearsRegistry(t *testing.T) {
	f, registry, _, addr := newTestFrontend(t)
	proxy := dialStubProxy(t, addr)

	proxy.send(map[string]any{"event": "register", "uuid": "r-1", "parameter": map[string]any{"uuid": "p-1"}})
	require.Eventually(t, func() bool { return registry.ProxyCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	socket, _ := registry.SelectProxy()

	var mu sync.Mutex
	var gotCode int
	f.SessionCreate(socket, "sdp", func(id string, code int, message string, result *SessionCreateResult) {
		mu.Lock()
		gotCode = code
		mu.Unlock()
	})

	req := proxy.recv()
	requestUUID := req["uuid"].(string)

	// Malformed: omits "proxy" entirely.
	proxy.send(map[string]any{
		"event": "ice_session_create",
		"uuid":  requestUUID,
		"code":  0,
		"response": map[string]any{
			"session": "s-1",
			"type":    "offer",
			"sdp":     "sdp",
		},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotCode != 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := registry.SelectProxy()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBareCandidateMessageIsNotAResponse(t *testing.T) {
	f, registry, _, addr := newTestFrontend(t)
	proxy := dialStubProxy(t, addr)

	proxy.send(map[string]any{"event": "register", "uuid": "r-1", "parameter": map[string]any{"uuid": "p-1"}})
	require.Eventually(t, func() bool { return registry.ProxyCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	socket, _ := registry.SelectProxy()

	var mu sync.Mutex
	var gotCode int
	var gotID string
	f.Candidate(socket, "s-1", "candidate", "ufrag", 0, 0, func(id string, code int, message string) {
		mu.Lock()
		gotID, gotCode = id, code
		mu.Unlock()
	})
	req := proxy.recv()
	requestUUID := req["uuid"].(string)

	proxy.send(map[string]any{"event": "candidate", "uuid": requestUUID, "code": 0, "response": map[string]any{}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotID == requestUUID
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, 0, gotCode)
	mu.Unlock()

	// A second, bare (non-response) candidate message from the stub: no
	// pending request correlates, so per §8 scenario 4 it must invoke the
	// bare-candidate callback with errs.NotAResponse.
	var bareMu sync.Mutex
	var bareID string
	var bareCode int
	f.SetBareCandidate(func(id string, code int, message string) {
		bareMu.Lock()
		bareID, bareCode = id, code
		bareMu.Unlock()
	})

	proxy.send(map[string]any{"event": "candidate", "uuid": "unrelated-uuid", "response": map[string]any{}})

	require.Eventually(t, func() bool {
		bareMu.Lock()
		defer bareMu.Unlock()
		return bareID == "unrelated-uuid"
	}, 2*time.Second, 10*time.Millisecond)

	bareMu.Lock()
	defer bareMu.Unlock()
	require.Equal(t, errs.NotAResponse.Code(), bareCode)
}
