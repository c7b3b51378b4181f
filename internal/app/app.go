// app.go — 4.E App runtime: the listener/connection registry wrapping
// internal/loop.Loop. Owns the accept path, the stream IO path (bounded
// decode-loop per §9), the send path, and connection lifecycle. Grounded on
// internal/bridge/conn.go's connection-error classification and retry-loop
// shape, generalized from a single upstream bridge connection to an
// arbitrary number of listeners and accepted/client connections.
package app

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obsmetrics"
	"github.com/openvocs/ov-core/internal/util"
)

// readChunkSize bounds each individual Read call; a connection's stream IO
// path only ever sees data in chunks this size or smaller.
const readChunkSize = 64 * 1024

// App is the runtime described in §4.E: a registry of listeners and
// connections layered over a single internal/loop.Loop.
type App struct {
	log     *zap.Logger
	metrics *obsmetrics.Registry
	loop    *loop.Loop

	mu         sync.Mutex
	nextHandle loop.SocketHandle
	listeners  map[loop.SocketHandle]*Listener
	conns      map[loop.SocketHandle]*Connection
	byUUID     map[string]*Connection

	reconnect *reconnectManager
}

// New constructs an App bound to loop l.
func New(l *loop.Loop, log *zap.Logger, metrics *obsmetrics.Registry) *App {
	a := &App{
		log:       log,
		metrics:   metrics,
		loop:      l,
		listeners: make(map[loop.SocketHandle]*Listener),
		conns:     make(map[loop.SocketHandle]*Connection),
		byUUID:    make(map[string]*Connection),
	}
	a.reconnect = newReconnectManager(a)
	return a
}

// SetReconnectInterval overrides how long the reconnect manager waits
// between retries, wired from config.ReconnectIntervalSecs at startup.
func (a *App) SetReconnectInterval(d time.Duration) {
	a.reconnect.SetInterval(d)
}

func (a *App) allocHandle() loop.SocketHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	return a.nextHandle
}

// Open binds a listening socket (Mode==ModeServer) or initiates an
// outbound connection (Mode==ModeClient) per cfg.
func (a *App) Open(cfg SocketConfig) (loop.SocketHandle, error) {
	if cfg.Mode == ModeServer {
		return a.openListener(cfg)
	}
	return a.OpenClientAsync(cfg, nil, nil)
}

// OpenClientAsync is Open for ModeClient with completion continuations,
// per §4.E's async-connect contract. A failed initial dial is handed to
// the reconnect manager when cfg.Reconnected is set, exactly as a later
// mid-session disconnect would be.
func (a *App) OpenClientAsync(cfg SocketConfig, onSuccess SuccessFunc, onFailure FailureFunc) (loop.SocketHandle, error) {
	handle, err := a.openClient(cfg, onSuccess, onFailure)
	if err != nil && cfg.Reconnected != nil {
		a.reconnect.schedule(cfg, onSuccess, onFailure)
	}
	return handle, err
}

func (a *App) openListener(cfg SocketConfig) (loop.SocketHandle, error) {
	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return 0, errs.Wrap(errs.CommsError, err, "listen")
	}
	handle := a.allocHandle()
	l := &Listener{
		Handle:   handle,
		config:   cfg,
		app:      a,
		listener: ln,
		children: make(map[loop.SocketHandle]struct{}),
	}

	a.mu.Lock()
	a.listeners[handle] = l
	a.mu.Unlock()

	util.SafeGo(a.log, func() { a.acceptLoop(l) })
	return handle, nil
}

func (a *App) acceptLoop(l *Listener) {
	for {
		nc, err := l.listener.Accept()
		if err != nil {
			return // listener closed
		}
		a.adopt(l, l.config, nc, RoleAccepted, nil)
	}
}

func (a *App) openClient(cfg SocketConfig, onSuccess SuccessFunc, onFailure FailureFunc) (loop.SocketHandle, error) {
	nc, err := net.DialTimeout("tcp", cfg.addr(), 10*time.Second)
	if err != nil {
		wrapped := errs.Wrap(errs.CommsError, err, "dial")
		if onFailure != nil {
			onFailure(a, wrapped, cfg.UserData)
		}
		return 0, wrapped
	}
	c := a.adopt(nil, cfg, nc, RoleClient, onSuccess)
	return c.Handle, nil
}

// dialOnce is the reconnect manager's sole entry point into client dialing:
// unlike OpenClientAsync (used for the initial Open call) it never itself
// schedules a further retry on failure, avoiding runaway goroutine growth
// from retry-on-retry.
func (a *App) dialOnce(cfg SocketConfig) (loop.SocketHandle, error) {
	return a.openClient(cfg, nil, nil)
}

// adopt wraps nc in a Connection, registers it with the loop, and starts
// its reader goroutine.
func (a *App) adopt(l *Listener, cfg SocketConfig, nc net.Conn, role Role, onSuccess SuccessFunc) *Connection {
	handle := a.allocHandle()
	c := &Connection{
		Handle:      handle,
		UUID:        uuid.NewString(),
		Role:        role,
		config:      cfg,
		netConn:     nc,
		parser:      NewParser(cfg.Parser, cfg.ObjectsOnly),
		app:         a,
		listener:    l,
		lastInbound: time.Now(),
	}

	a.mu.Lock()
	a.conns[handle] = c
	a.byUUID[c.UUID] = c
	if l != nil {
		l.children[handle] = struct{}{}
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ConnectionsActive.Inc()
	}

	a.loop.Set(handle, loop.In, nil, a.onSocketReady)

	if l != nil && l.config.Accepted != nil {
		if !l.config.Accepted(a, l.Handle, handle, l.config.UserData) {
			a.CloseConnection(handle)
			return c
		}
	}

	if onSuccess != nil {
		onSuccess(a, handle, cfg.UserData)
	}

	util.SafeGo(a.log, func() { a.readLoop(c) })
	return c
}

// readLoop performs blocking reads off-loop and hands each chunk to the
// loop goroutine via the connection's mailbox + Notify. The read syscall
// itself is not serialized through the loop; only the resulting callback
// (parser decode, IO handler) is.
func (a *App) readLoop(c *Connection) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.mailbox.push(chunk)
			a.loop.Notify(c.Handle, loop.In)
		}
		if err != nil {
			events := loop.Close
			if err != io.EOF {
				events |= loop.Err
			}
			a.loop.Notify(c.Handle, events)
			return
		}
	}
}

// onSocketReady is the loop callback registered for every connection
// handle. It runs on the loop goroutine: every parser decode and every IO
// handler invocation for this connection happens here, serialized with
// every other connection's callbacks.
func (a *App) onSocketReady(socket loop.SocketHandle, events loop.EventSet, _ any) {
	a.mu.Lock()
	c, ok := a.conns[socket]
	a.mu.Unlock()
	if !ok {
		return
	}

	if events.Has(loop.Err) || events.Has(loop.Close) {
		a.CloseConnection(socket)
		return
	}

	for _, chunk := range c.mailbox.drain() {
		if c.closing {
			return
		}
		c.lastInbound = time.Now()
		if !a.processChunk(c, chunk) {
			return
		}
	}
}

// processChunk drives the bounded decode loop: it feeds chunk once, then
// keeps redriving Decode(nil) while the parser still has buffered output,
// checking connection liveness before each iteration per the design note
// on the parse-again trampoline (Open Question (c)). Returns false once
// the connection has been closed.
func (a *App) processChunk(c *Connection, chunk []byte) bool {
	first := true
	for {
		if c.closing {
			return false
		}
		var in []byte
		if first {
			in = chunk
			first = false
		}
		result := c.parser.Decode(in)
		if !a.handleDecodeResult(c, result) {
			return false
		}
		if !c.parser.HasBufferedInput() {
			return true
		}
	}
}

func (a *App) handleDecodeResult(c *Connection, r DecodeResult) bool {
	switch r.Status {
	case StatusProgress, StatusDone:
		return true

	case StatusSuccess:
		if c.config.IO == nil {
			return true
		}
		if !c.config.IO(a, c.Handle, c.UUID, c.RemoteAddr(), r.Value) {
			a.CloseConnection(c.Handle)
			return false
		}
		return true

	case StatusAnswer, StatusAnswerClose:
		if err := a.Send(c.Handle, r.Reply); err != nil {
			a.log.Warn("send answer failed", zap.Error(err), zap.String("uuid", c.UUID))
		}
		if r.Status == StatusAnswerClose {
			a.CloseConnection(c.Handle)
			return false
		}
		return true

	case StatusMismatch, StatusError:
		a.log.Debug("decode failure, closing connection",
			zap.String("uuid", c.UUID), zap.Int("status", int(r.Status)))
		a.CloseConnection(c.Handle)
		return false

	case StatusClose:
		a.CloseConnection(c.Handle)
		return false

	default:
		return true
	}
}

// Send encodes value with socket's parser and writes the resulting chunks
// directly to its net.Conn, per §4.E's 3-step send algorithm: look up the
// connection, encode, write.
func (a *App) Send(socket loop.SocketHandle, value any) error {
	a.mu.Lock()
	c, ok := a.conns[socket]
	a.mu.Unlock()
	if !ok || c.closing {
		return errs.New(errs.NotFound, "send: no such connection")
	}

	chunks, err := c.parser.Encode(value)
	if err != nil {
		return errs.Wrap(errs.ProcessingError, err, "encode outbound value")
	}
	for _, chunk := range chunks {
		if _, err := c.netConn.Write(chunk); err != nil {
			a.CloseConnection(socket)
			return errs.Wrap(errs.CommsError, err, "write")
		}
	}
	return nil
}

// CloseConnection tears down one connection, idempotently.
func (a *App) CloseConnection(socket loop.SocketHandle) {
	a.mu.Lock()
	c, ok := a.conns[socket]
	if !ok {
		a.mu.Unlock()
		return
	}
	if c.closing {
		a.mu.Unlock()
		return
	}
	c.closing = true
	delete(a.conns, socket)
	delete(a.byUUID, c.UUID)
	if c.listener != nil {
		delete(c.listener.children, socket)
	}
	a.mu.Unlock()

	if c.config.OnClose != nil {
		c.config.OnClose(a, socket, c.UUID)
	}

	a.loop.Unset(socket)
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
	if a.metrics != nil {
		a.metrics.ConnectionsActive.Dec()
	}

	if c.Role == RoleClient && c.config.Reconnected != nil {
		a.reconnect.schedule(c.config, nil, nil)
	}
}

// SetParser replaces a connection's parser instance in place, e.g. when
// the webserver layer completes a WebSocket upgrade and the connection
// must switch from the HTTP parser to the WS parser mid-session.
func (a *App) SetParser(socket loop.SocketHandle, p Parser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[socket]
	if !ok {
		return
	}
	c.parser = p
}

// Add adopts an externally created net.Conn (e.g. handed off by the
// webserver after an HTTP/WS upgrade decision) as a new connection under
// cfg, skipping the dial/accept steps.
func (a *App) Add(cfg SocketConfig, nc net.Conn) loop.SocketHandle {
	c := a.adopt(nil, cfg, nc, RoleAccepted, nil)
	return c.Handle
}

// CloseAllConnections closes every currently-registered connection before
// it returns. Safe to call from within an IO handler: teardown runs against a
// snapshot taken under lock, so it never mutates the map it is iterating.
func (a *App) CloseAllConnections() {
	for _, h := range a.Connections() {
		a.CloseConnection(h)
	}
}

// CloseListener tears down a listener and every connection it accepted.
func (a *App) CloseListener(socket loop.SocketHandle) {
	a.mu.Lock()
	l, ok := a.listeners[socket]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.listeners, socket)
	children := make([]loop.SocketHandle, 0, len(l.children))
	for child := range l.children {
		children = append(children, child)
	}
	a.mu.Unlock()

	_ = l.listener.Close()
	for _, child := range children {
		a.CloseConnection(child)
	}
}

// StopAfter stops the loop after d, giving an in-flight handler's own
// message (e.g. a "shutdown" command's reply) time to be freed cleanly
// before Run returns.
func (a *App) StopAfter(d time.Duration) {
	util.SafeGo(a.log, func() {
		time.Sleep(d)
		a.loop.Stop()
	})
}

// ListenerAddr returns the actual bound address of a listener, useful when
// SocketConfig.Port was 0 and the kernel chose an ephemeral port.
func (a *App) ListenerAddr(socket loop.SocketHandle) (net.Addr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.listeners[socket]
	if !ok {
		return nil, false
	}
	return l.listener.Addr(), true
}

// ByUUID looks up a live connection's socket handle by its UUID.
func (a *App) ByUUID(connUUID string) (loop.SocketHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byUUID[connUUID]
	if !ok {
		return 0, false
	}
	return c.Handle, true
}

// CloseConnectionByUUID closes the connection identified by uuid, per §4.E's
// connection_close(uuid) operation. No-op if uuid names no live connection.
func (a *App) CloseConnectionByUUID(connUUID string) {
	if socket, ok := a.ByUUID(connUUID); ok {
		a.CloseConnection(socket)
	}
}

// Connections returns a snapshot of every live connection's socket handle.
func (a *App) Connections() []loop.SocketHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]loop.SocketHandle, 0, len(a.conns))
	for h := range a.conns {
		out = append(out, h)
	}
	return out
}
