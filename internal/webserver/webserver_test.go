package webserver

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ovapp "github.com/openvocs/ov-core/internal/app"
	"github.com/openvocs/ov-core/internal/config"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obslog"
)

// writeTestCert drops a throwaway self-signed cert/key pair generated by
// generateTestCert (certgen_test.go) under dir, returning their paths.
func writeTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM := generateTestCert(t)
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func newTestWebserver(t *testing.T) (*Webserver, *ovapp.App, string) {
	t.Helper()
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir)

	docRoot := filepath.Join(dir, "docroot")
	require.NoError(t, os.MkdirAll(docRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docRoot, "index.html"), []byte("<html>hi</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docRoot, "data.bin"), []byte("0123456789"), 0o644))

	l := loop.New()
	a := ovapp.New(l, obslog.Noop(), nil)
	go l.Run(0)
	t.Cleanup(l.Stop)

	ws, err := New(a, obslog.Noop(), []config.Domain{
		{Name: "example.test", Path: docRoot, Certificate: config.Certificate{File: certFile, Key: keyFile}},
	})
	require.NoError(t, err)

	require.NoError(t, ws.ListenAndServe("127.0.0.1", 0))
	t.Cleanup(ws.Close)

	addr := ws.listeners[0].Addr().(*net.TCPAddr)
	return ws, a, addr.String()
}

func dialTLS(t *testing.T, addr, sni string) net.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, ServerName: sni})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStaticFileServedWithContentType(t *testing.T) {
	_, _, addr := newTestWebserver(t)
	conn := dialTLS(t, addr, "example.test")

	_, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	require.Contains(t, resp, "200")
	require.Contains(t, resp, "<html>hi</html>")
}

func TestRangeRequestServesPartialContent(t *testing.T) {
	_, _, addr := newTestWebserver(t)
	conn := dialTLS(t, addr, "example.test")

	_, err := conn.Write([]byte("GET /data.bin HTTP/1.1\r\nHost: example.test\r\nRange: bytes=2-0\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	require.Contains(t, resp, "206")
	require.Contains(t, resp, "Content-Range: bytes 2-9/10")
	require.Contains(t, resp, "23456789")
}

func TestDotSegmentTraversalRejected(t *testing.T) {
	_, _, addr := newTestWebserver(t)
	conn := dialTLS(t, addr, "example.test")

	_, err := conn.Write([]byte("GET /../../etc/passwd HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	require.True(t, contains404(resp))
}

func contains404(resp string) bool {
	return stringContains(resp, "404")
}

func stringContains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestWebSocketUpgradeAndJSONDispatch(t *testing.T) {
	ws, _, addr := newTestWebserver(t)

	received := make(chan string, 1)
	ws.RegisterWSCallback("example.test", func(ws *Webserver, socket loop.SocketHandle, domain string, value []byte) {
		received <- string(value)
	})

	conn := dialTLS(t, addr, "example.test")
	req := "GET /ws HTTP/1.1\r\nHost: example.test\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	require.Contains(t, resp, "101")
	require.Contains(t, resp, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")

	frame := encodeTestWSFrame(true, 0x1, []byte(`{"hello":"world"}`))
	_, err = conn.Write(frame)
	require.NoError(t, err)

	select {
	case got := <-received:
		require.JSONEq(t, `{"hello":"world"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ws json dispatch")
	}
}

func encodeTestWSFrame(fin bool, opcode byte, payload []byte) []byte {
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	var mask [4]byte = [4]byte{1, 2, 3, 4}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= mask[i%4]
	}
	out := []byte{b0, 0x80 | byte(len(payload))}
	out = append(out, mask[:]...)
	out = append(out, masked...)
	return out
}

var _ = json.RawMessage{}
