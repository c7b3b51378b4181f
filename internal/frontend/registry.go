// registry.go — 4.J frontend registry: a two-level index over ICE proxies
// (keyed by socket) and the sessions they host (keyed by session id). No
// direct teacher equivalent; grounded on internal/signaling's dispatch
// substrate for the handler shape and google/uuid for correlation ids (see
// DESIGN.md).
package frontend

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obsmetrics"
)

// SessionDropFunc is raised once per session when its owning proxy is
// unregistered.
type SessionDropFunc func(sessionID string, proxySocket loop.SocketHandle)

// proxy is §3's proxy record: a load counter plus a dictionary of
// session id -> struct{}. Load is derived from len(sessions), never stored
// independently, so the §8 invariant load == len(sessions) holds by
// construction.
type proxy struct {
	socket   loop.SocketHandle
	uuid     string
	sessions map[string]struct{}
}

func (p *proxy) load() int { return len(p.sessions) }

// Registry is §4.J's two-level index.
type Registry struct {
	log       *zap.Logger
	metrics   *obsmetrics.Registry
	onSession SessionDropFunc

	mu        sync.Mutex
	bySocket  map[loop.SocketHandle]*proxy
	bySession map[string]loop.SocketHandle
}

// NewRegistry constructs an empty Registry. onDrop (may be nil) is invoked
// once per session when UnregisterProxy tears down its owning proxy.
func NewRegistry(log *zap.Logger, metrics *obsmetrics.Registry, onDrop SessionDropFunc) *Registry {
	return &Registry{
		log:       log,
		metrics:   metrics,
		onSession: onDrop,
		bySocket:  make(map[loop.SocketHandle]*proxy),
		bySession: make(map[string]loop.SocketHandle),
	}
}

// RegisterProxy adds socket as a known ICE proxy. Idempotent: registering
// an already-registered socket a second time is a no-op success (per
// ov_mc_frontend.c's revalidation guard, SPEC_FULL Part D).
func (r *Registry) RegisterProxy(socket loop.SocketHandle, uuid string) error {
	if uuid == "" {
		return errs.New(errs.InvalidInput, "proxy uuid must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySocket[socket]; exists {
		return nil
	}
	r.bySocket[socket] = &proxy{socket: socket, uuid: uuid, sessions: make(map[string]struct{})}
	if r.metrics != nil {
		r.metrics.ProxyLoad.WithLabelValues(uuid).Set(0)
	}
	return nil
}

// UnregisterProxy removes socket as a known proxy, dropping every session
// it hosted and invoking onDrop once per dropped session.
func (r *Registry) UnregisterProxy(socket loop.SocketHandle) {
	r.mu.Lock()
	p, ok := r.bySocket[socket]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySocket, socket)
	sessions := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		sessions = append(sessions, id)
		delete(r.bySession, id)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ProxyLoad.DeleteLabelValues(p.uuid)
	}
	for _, id := range sessions {
		if r.onSession != nil {
			r.onSession(id, socket)
		}
	}
}

// RegisterSession attaches sessionID to the proxy at socket, incrementing
// its load.
func (r *Registry) RegisterSession(socket loop.SocketHandle, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySocket[socket]
	if !ok {
		return errs.New(errs.NotFound, "no such proxy")
	}
	if _, exists := r.bySession[sessionID]; exists {
		return errs.New(errs.AlreadyExists, "session id already registered")
	}
	p.sessions[sessionID] = struct{}{}
	r.bySession[sessionID] = socket
	if r.metrics != nil {
		r.metrics.ProxyLoad.WithLabelValues(p.uuid).Set(float64(p.load()))
	}
	return nil
}

// UnregisterSession detaches sessionID from its owning proxy, decrementing
// load (never below zero since a session can only be registered once).
func (r *Registry) UnregisterSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	socket, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	if p, ok := r.bySocket[socket]; ok {
		delete(p.sessions, sessionID)
		if r.metrics != nil {
			r.metrics.ProxyLoad.WithLabelValues(p.uuid).Set(float64(p.load()))
		}
	}
}

// SessionProxy resolves the socket hosting sessionID.
func (r *Registry) SessionProxy(sessionID string) (loop.SocketHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	socket, ok := r.bySession[sessionID]
	return socket, ok
}

// SelectProxy returns the registered proxy with the smallest load, ties
// broken by lowest socket handle. Returns ok=false ("none") when the
// registry holds no proxies.
func (r *Registry) SelectProxy() (loop.SocketHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.bySocket) == 0 {
		return 0, false
	}
	sockets := make([]loop.SocketHandle, 0, len(r.bySocket))
	for s := range r.bySocket {
		sockets = append(sockets, s)
	}
	sort.Slice(sockets, func(i, j int) bool { return sockets[i] < sockets[j] })

	best := sockets[0]
	bestLoad := r.bySocket[best].load()
	for _, s := range sockets[1:] {
		if l := r.bySocket[s].load(); l < bestLoad {
			best, bestLoad = s, l
		}
	}
	return best, true
}

// ProxyLoad returns the current session count for socket.
func (r *Registry) ProxyLoad(socket loop.SocketHandle) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySocket[socket]
	if !ok {
		return 0, false
	}
	return p.load(), true
}

// ProxyCount returns how many proxies are currently registered.
func (r *Registry) ProxyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySocket)
}
