// types.go — 4.E App runtime data model: connection/listener/socket-config
// types shared across the package.
package app

import (
	"net"
	"strconv"
	"time"

	"github.com/openvocs/ov-core/internal/loop"
)

// Role classifies how a connection came to exist.
type Role int

const (
	RoleClient Role = iota
	RoleServer
	RoleAccepted
)

// Mode selects whether Open binds a listener or initiates a connect.
type Mode int

const (
	ModeServer Mode = iota
	ModeClient
)

// ParserKind selects which built-in Parser a connection is given. The core
// only ever needs these four (§9 design notes: "a tagged variant covering
// at least {RawPassthrough, Json, Http, WebSocket}").
type ParserKind int

const (
	ParserRaw ParserKind = iota
	ParserJSON
	ParserHTTP
	ParserWebSocket
)

// AcceptedFunc is invoked after a connection is accepted; returning false
// closes the child immediately.
type AcceptedFunc func(a *App, listener loop.SocketHandle, child loop.SocketHandle, userdata any) bool

// IOFunc is the per-connection success handler: invoked once per decoded
// message. Returning false closes the connection.
type IOFunc func(a *App, socket loop.SocketHandle, uuid string, remote string, value any) bool

// ReconnectedFunc fires after a client connection's reconnect attempt
// succeeds.
type ReconnectedFunc func(a *App, socket loop.SocketHandle, userdata any)

// CloseFunc fires once, synchronously, when a connection is torn down
// (either end). Used by layers above the App that key their own state off
// a connection's lifetime (e.g. the frontend registry unregistering an ICE
// proxy when its socket disconnects).
type CloseFunc func(a *App, socket loop.SocketHandle, uuid string)

// SuccessFunc/FailureFunc are Open's async-connect continuations.
type SuccessFunc func(a *App, socket loop.SocketHandle, userdata any)
type FailureFunc func(a *App, err error, userdata any)

// SocketConfig describes one listener or connection to create.
type SocketConfig struct {
	Host string
	Port int
	Mode Mode

	Parser      ParserKind
	ObjectsOnly bool // only meaningful for ParserJSON

	Accepted    AcceptedFunc
	IO          IOFunc
	Reconnected ReconnectedFunc
	OnClose     CloseFunc

	UserData any
}

func (c SocketConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Connection is §3's Connection: socket handle + uuid + parser + state.
type Connection struct {
	Handle loop.SocketHandle
	UUID   string
	Role   Role

	config  SocketConfig
	netConn net.Conn
	parser  Parser

	app         *App
	listener    *Listener
	lastInbound time.Time

	mailbox mailbox

	onConnectResult func(ok bool, err error)

	closing bool
}

// RemoteAddr returns the connection's remote endpoint string, or "" if the
// underlying net.Conn is unavailable.
func (c *Connection) RemoteAddr() string {
	if c.netConn == nil {
		return ""
	}
	return c.netConn.RemoteAddr().String()
}

// Listener is §3's Listener: a listening socket plus the set of children
// it owns (used to cascade-close).
type Listener struct {
	Handle   loop.SocketHandle
	config   SocketConfig
	app      *App
	listener net.Listener

	children map[loop.SocketHandle]struct{}
}
