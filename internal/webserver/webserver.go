// webserver.go — 4.G webserver: a TLS listener that classifies each
// connection as HTTP or WebSocket, serves static files under a per-domain
// document root with Range support, performs the RFC 6455 upgrade
// handshake, and dispatches JSON received over an upgraded connection to a
// per-domain callback. Grounded on internal/bridge/stdio.go's
// header-classification shape one layer up (httpmsg does the parsing;
// this package only decides what to do with the parsed request) and on
// internal/config's Domain/Certificate shape for multi-domain TLS.
package webserver

import (
	"crypto/tls"
	"encoding/json"
	"mime"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/app"
	"github.com/openvocs/ov-core/internal/config"
	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/httpmsg"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/util"
	"github.com/openvocs/ov-core/internal/wsframe"
)

// ConnType classifies a webserver connection.
type ConnType int

const (
	ConnHTTP ConnType = iota
	ConnWebsocket
)

// WSCallback is invoked once per JSON value received over an upgraded
// connection bound to domain.
type WSCallback func(ws *Webserver, socket loop.SocketHandle, domain string, value []byte)

type connMeta struct {
	domain string
	mode   ConnType
}

// Webserver is the runtime described in §4.G.
type Webserver struct {
	app *app.App
	log *zap.Logger

	domains map[string]string // domain name -> document root
	certs   map[string]*tls.Certificate

	mu    sync.Mutex
	conns map[loop.SocketHandle]*connMeta

	wsMu        sync.Mutex
	wsCallbacks map[string]WSCallback

	listeners []net.Listener
}

// New constructs a Webserver from the configured domain list. Each
// domain's certificate is loaded eagerly so misconfiguration is reported
// at startup rather than on first handshake.
func New(a *app.App, log *zap.Logger, domains []config.Domain) (*Webserver, error) {
	ws := &Webserver{
		app:         a,
		log:         log,
		domains:     make(map[string]string),
		certs:       make(map[string]*tls.Certificate),
		conns:       make(map[loop.SocketHandle]*connMeta),
		wsCallbacks: make(map[string]WSCallback),
	}
	for _, d := range domains {
		cert, err := tls.LoadX509KeyPair(d.Certificate.File, d.Certificate.Key)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "load certificate for domain "+d.Name)
		}
		ws.domains[d.Name] = d.Path
		ws.certs[d.Name] = &cert
	}
	return ws, nil
}

// RegisterWSCallback installs the JSON-over-WS handler for domain.
func (ws *Webserver) RegisterWSCallback(domain string, cb WSCallback) {
	ws.wsMu.Lock()
	defer ws.wsMu.Unlock()
	ws.wsCallbacks[domain] = cb
}

// ListenAndServe binds a TLS listener on host:port and begins accepting.
// Every domain configured via New shares this one listener; TLS SNI
// selects the certificate.
func (ws *Webserver) ListenAndServe(host string, port int) error {
	tlsCfg := &tls.Config{
		GetCertificate: ws.selectCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)), tlsCfg)
	if err != nil {
		return errs.Wrap(errs.CommsError, err, "webserver listen")
	}
	ws.listeners = append(ws.listeners, ln)

	util.SafeGo(ws.log, func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			socket := ws.app.Add(app.SocketConfig{
				Parser: app.ParserHTTP,
				IO:     ws.ioFunc,
			}, nc)
			ws.mu.Lock()
			ws.conns[socket] = &connMeta{mode: ConnHTTP}
			ws.mu.Unlock()
		}
	})
	return nil
}

// Close shuts down every listener this Webserver owns.
func (ws *Webserver) Close() {
	for _, ln := range ws.listeners {
		_ = ln.Close()
	}
}

func (ws *Webserver) selectCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert, ok := ws.certs[hello.ServerName]; ok {
		return cert, nil
	}
	// No SNI match: fall back to one of the configured domains'
	// certificates, so a bare IP connection (no SNI) still gets a usable
	// handshake. Which one is not defined when several are configured (map
	// iteration order); it is not necessarily the first configured domain.
	for _, cert := range ws.certs {
		return cert, nil
	}
	return nil, errs.New(errs.NotFound, "webserver: no certificate configured")
}

func (ws *Webserver) ioFunc(a *app.App, socket loop.SocketHandle, uuid, remote string, value any) bool {
	ws.mu.Lock()
	meta, ok := ws.conns[socket]
	ws.mu.Unlock()
	if !ok {
		meta = &connMeta{mode: ConnHTTP}
	}

	if meta.mode == ConnWebsocket {
		return ws.dispatchWS(a, socket, meta, value)
	}

	msg, ok := value.(*httpmsg.Message)
	if !ok || msg.Request == nil {
		ws.respond(a, socket, 400, "Bad Request", nil, nil)
		return false
	}

	host, _ := msg.Headers.Get("Host")
	host = stripPort(host)

	if isUpgradeRequest(msg) {
		return ws.handleUpgrade(a, socket, msg, host)
	}

	return ws.handleStatic(a, socket, msg, host)
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func isUpgradeRequest(msg *httpmsg.Message) bool {
	upgrade, _ := msg.Headers.Get("Upgrade")
	conn, _ := msg.Headers.Get("Connection")
	version, _ := msg.Headers.Get("Sec-WebSocket-Version")
	key, _ := msg.Headers.Get("Sec-WebSocket-Key")
	return strings.EqualFold(upgrade, "websocket") &&
		containsToken(conn, "upgrade") &&
		version == "13" &&
		key != ""
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func (ws *Webserver) handleUpgrade(a *app.App, socket loop.SocketHandle, msg *httpmsg.Message, host string) bool {
	if _, ok := ws.domains[host]; !ok {
		ws.respond(a, socket, 404, "Not Found", nil, nil)
		return false
	}
	key, _ := msg.Headers.Get("Sec-WebSocket-Key")
	accept := wsframe.ComputeAcceptKey(key)

	resp := buildResponse(101, "Switching Protocols", map[string]string{
		"Upgrade":              "websocket",
		"Connection":           "Upgrade",
		"Sec-WebSocket-Accept": accept,
	}, nil)
	if err := a.Send(socket, app.RawBytes(resp)); err != nil {
		ws.log.Debug("webserver: upgrade response send failed", zap.Error(err))
		return false
	}

	a.SetParser(socket, app.NewParser(app.ParserWebSocket, false))
	ws.mu.Lock()
	ws.conns[socket] = &connMeta{domain: host, mode: ConnWebsocket}
	ws.mu.Unlock()
	return true
}

func (ws *Webserver) dispatchWS(a *app.App, socket loop.SocketHandle, meta *connMeta, value any) bool {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = []byte(v)
	case []byte:
		raw = v
	}

	ws.wsMu.Lock()
	cb := ws.wsCallbacks[meta.domain]
	ws.wsMu.Unlock()
	if cb != nil {
		cb(ws, socket, meta.domain, raw)
	}
	return true
}

func (ws *Webserver) handleStatic(a *app.App, socket loop.SocketHandle, msg *httpmsg.Message, host string) bool {
	if msg.Request.Method != "GET" {
		ws.respond(a, socket, 405, "Method Not Allowed", nil, nil)
		return false
	}

	root, ok := ws.domains[host]
	if !ok {
		ws.respond(a, socket, 404, "Not Found", nil, nil)
		return false
	}

	cleanPath, ok := safeJoin(root, msg.Request.Path)
	if !ok {
		ws.respond(a, socket, 400, "Bad Request", nil, nil)
		return false
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		ws.respond(a, socket, 404, "Not Found", nil, nil)
		return false
	}

	contentType := mime.TypeByExtension(filepath.Ext(cleanPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if rangeHeader, ok := msg.Headers.Get("Range"); ok {
		if pr, ok := httpmsg.ParseRange(rangeHeader); ok {
			end := pr.End
			if pr.ToEnd || end >= int64(len(data)) {
				end = int64(len(data)) - 1
			}
			if pr.Start > end || pr.Start < 0 {
				ws.respond(a, socket, 416, "Range Not Satisfiable", nil, nil)
				return false
			}
			slice := data[pr.Start : end+1]
			ws.respond(a, socket, 206, "Partial Content", map[string]string{
				"Content-Type":  contentType,
				"Content-Range": "bytes " + strconv.FormatInt(pr.Start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.Itoa(len(data)),
				"Accept-Ranges": "bytes",
			}, slice)
			return true
		}
	}

	ws.respond(a, socket, 200, "OK", map[string]string{
		"Content-Type":  contentType,
		"Accept-Ranges": "bytes",
	}, data)
	return true
}

// safeJoin joins root and requestPath, running dot-segment normalization
// and rejecting any result that escapes root.
func safeJoin(root, requestPath string) (string, bool) {
	cleaned := path.Clean("/" + requestPath)
	if cleaned == "/" {
		cleaned = "/index.html"
	}
	joined := filepath.Join(root, cleaned)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", false
	}
	if joinedAbs != rootAbs && !strings.HasPrefix(joinedAbs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return joinedAbs, true
}

func (ws *Webserver) respond(a *app.App, socket loop.SocketHandle, code int, reason string, headers map[string]string, body []byte) {
	resp := buildResponse(code, reason, headers, body)
	if err := a.Send(socket, app.RawBytes(resp)); err != nil {
		ws.log.Debug("webserver: response send failed", zap.Error(err))
	}
}

func buildResponse(code int, reason string, headers map[string]string, body []byte) []byte {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 ")
	sb.WriteString(strconv.Itoa(code))
	sb.WriteByte(' ')
	sb.WriteString(reason)
	sb.WriteString("\r\n")
	for k, v := range headers {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\n\r\n")
	out := []byte(sb.String())
	out = append(out, body...)
	return out
}
