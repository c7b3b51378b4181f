// icefrontend.go — 4.K ICE frontend: a signaling-layer client that composes
// orchestration messages toward ICE proxies and correlates responses by
// per-request uuid. Grounded on internal/signaling's dispatch substrate
// (handlers registered per event name) plus github.com/google/uuid for
// correlation ids, per DESIGN.md.
package frontend

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/config"
	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/signaling"
)

// Orchestration event names, per §6.
const (
	EventRegister         = "register"
	EventSessionCreate    = "ice_session_create"
	EventSessionUpdate    = "ice_session_update"
	EventSessionDrop      = "ice_session_drop"
	EventSessionCompleted = "ice_session_completed"
	EventSessionState     = "ice_session_state"
	EventCandidate        = "candidate"
	EventEndOfCandidates  = "end_of_candidates"
	EventTalk             = "talk"
)

// ForwardTarget is one (ssrc, socket endpoint) entry from a session_create
// response's "proxy" array.
type ForwardTarget struct {
	SSRC   uint32                `json:"ssrc"`
	Socket config.SocketEndpoint `json:"socket"`
}

// SessionCreateResult is the parsed body of a successful session_create
// response.
type SessionCreateResult struct {
	SessionID string          `json:"session"`
	Type      string          `json:"type"`
	SDP       string          `json:"sdp"`
	Proxy     []ForwardTarget `json:"proxy"`
}

// SessionCreateFunc observes the outcome of an ice_session_create request.
// result is nil when code != 0.
type SessionCreateFunc func(requestID string, code int, message string, result *SessionCreateResult)

// ResultFunc observes the outcome of a simple (id, code, message) exchange:
// session_update, session_drop, candidate, end_of_candidates, talk.
type ResultFunc func(requestID string, code int, message string)

// SessionStateFunc observes an ice_session_state response or push.
type SessionStateFunc func(sessionID string, code int, message string, state string)

// wireEnvelope is the union shape of every message on the signaling wire
// (§6): requests carry Parameter, responses carry Response + Code/Message.
type wireEnvelope struct {
	Event     string          `json:"event"`
	UUID      string          `json:"uuid"`
	Parameter json.RawMessage `json:"parameter"`
	Response  json.RawMessage `json:"response"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`
}

type pendingKind int

const (
	pendingSessionCreate pendingKind = iota
	pendingSessionUpdate
	pendingSessionDrop
	pendingCandidate
	pendingEndOfCandidates
	pendingTalk
	pendingSessionState
)

type pendingRequest struct {
	kind   pendingKind
	socket loop.SocketHandle

	onSessionCreate SessionCreateFunc
	onResult        ResultFunc
	onSessionState  SessionStateFunc
}

// IceFrontend is §4.K: the orchestration client layered over a Signaling
// wrapper. It owns no App directly — callers hand it the Signaling
// instance their proxy-facing App is already using, so the VM's opcode
// handlers and the proxy registration path ("register") share one wire.
type IceFrontend struct {
	sig      *signaling.Signaling
	registry *Registry
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest

	onSessionCompleted    func(sessionID string)
	onBareEndOfCandidates ResultFunc
	onBareCandidate       ResultFunc
}

// New wires an IceFrontend to sig, registering handlers for every
// orchestration event it must observe. registry is the proxy/session index
// this frontend keeps current as proxies register and sessions are
// created/dropped.
func New(sig *signaling.Signaling, registry *Registry, log *zap.Logger) *IceFrontend {
	f := &IceFrontend{
		sig:      sig,
		registry: registry,
		log:      log,
		pending:  make(map[string]*pendingRequest),
	}
	sig.Register(EventRegister, "register an ICE proxy", f.handleRegister)
	sig.Register(EventSessionCreate, "ICE session create (request/response)", f.handleSessionCreate)
	sig.Register(EventSessionUpdate, "ICE session update (request/response)", f.handleSimple(pendingSessionUpdate))
	sig.Register(EventSessionDrop, "ICE session drop (request/response)", f.handleSimple(pendingSessionDrop))
	sig.Register(EventSessionCompleted, "ICE session completed (push)", f.handleSessionCompleted)
	sig.Register(EventSessionState, "ICE session state (request/response)", f.handleSessionState)
	sig.Register(EventCandidate, "ICE candidate exchange", f.handleSimple(pendingCandidate))
	sig.Register(EventEndOfCandidates, "end of candidates", f.handleSimple(pendingEndOfCandidates))
	sig.Register(EventTalk, "talk on/off", f.handleSimple(pendingTalk))
	return f
}

// SetSessionCompleted installs the callback fired when a proxy pushes an
// unsolicited ice_session_completed notification.
func (f *IceFrontend) SetSessionCompleted(cb func(sessionID string)) {
	f.onSessionCompleted = cb
}

// SetBareEndOfCandidates installs the callback fired for an end_of_candidates
// message that does not correlate to a pending request. Per §9 Open
// Question (b), this path is read-only: the registry's session/candidate
// state is never mutated from here.
func (f *IceFrontend) SetBareEndOfCandidates(cb ResultFunc) {
	f.onBareEndOfCandidates = cb
}

// SetBareCandidate installs the callback fired for a candidate message that
// does not correlate to a pending request, per §8 scenario 4: the callback
// fires with errs.NotAResponse, matching cb_event_ice_candidate's handling
// of an uncorrelated candidate push in the original implementation.
func (f *IceFrontend) SetBareCandidate(cb ResultFunc) {
	f.onBareCandidate = cb
}

func (f *IceFrontend) track(socket loop.SocketHandle, kind pendingKind, req *pendingRequest) string {
	id := uuid.NewString()
	req.kind = kind
	req.socket = socket
	f.mu.Lock()
	f.pending[id] = req
	f.mu.Unlock()
	return id
}

func (f *IceFrontend) resolve(id string) (*pendingRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.pending[id]
	if ok {
		delete(f.pending, id)
	}
	return req, ok
}

func (f *IceFrontend) send(socket loop.SocketHandle, event, id string, parameter any) {
	msg := map[string]any{"event": event, "uuid": id, "parameter": parameter}
	if err := f.sig.App().Send(socket, msg); err != nil {
		f.log.Warn("icefrontend: send failed", zap.String("event", event), zap.Error(err))
	}
}

// SessionCreate issues an ice_session_create request carrying sdp toward
// socket.
func (f *IceFrontend) SessionCreate(socket loop.SocketHandle, sdp string, cb SessionCreateFunc) {
	id := f.track(socket, pendingSessionCreate, &pendingRequest{onSessionCreate: cb})
	f.send(socket, EventSessionCreate, id, map[string]any{"sdp": sdp})
}

// SessionUpdate issues an ice_session_update request.
func (f *IceFrontend) SessionUpdate(socket loop.SocketHandle, sessionID, sdp string, cb ResultFunc) {
	id := f.track(socket, pendingSessionUpdate, &pendingRequest{onResult: cb})
	f.send(socket, EventSessionUpdate, id, map[string]any{"session": sessionID, "sdp": sdp})
}

// SessionDrop issues an ice_session_drop request.
func (f *IceFrontend) SessionDrop(socket loop.SocketHandle, sessionID string, cb ResultFunc) {
	id := f.track(socket, pendingSessionDrop, &pendingRequest{onResult: cb})
	f.send(socket, EventSessionDrop, id, map[string]any{"session": sessionID})
}

// Candidate issues a candidate exchange request.
func (f *IceFrontend) Candidate(socket loop.SocketHandle, sessionID, candidate, ufrag string, mid, mlineIndex int, cb ResultFunc) {
	id := f.track(socket, pendingCandidate, &pendingRequest{onResult: cb})
	f.send(socket, EventCandidate, id, map[string]any{
		"session": sessionID, "candidate": candidate, "ufrag": ufrag,
		"mid": mid, "mline_index": mlineIndex,
	})
}

// EndOfCandidates issues an end_of_candidates request.
func (f *IceFrontend) EndOfCandidates(socket loop.SocketHandle, sessionID string, cb ResultFunc) {
	id := f.track(socket, pendingEndOfCandidates, &pendingRequest{onResult: cb})
	f.send(socket, EventEndOfCandidates, id, map[string]any{"session": sessionID})
}

// Talk issues a talk on/off request.
func (f *IceFrontend) Talk(socket loop.SocketHandle, sessionID string, on bool, cb ResultFunc) {
	id := f.track(socket, pendingTalk, &pendingRequest{onResult: cb})
	f.send(socket, EventTalk, id, map[string]any{"session": sessionID, "on": on})
}

// SessionState issues an ice_session_state query.
func (f *IceFrontend) SessionState(socket loop.SocketHandle, sessionID string, cb SessionStateFunc) {
	id := f.track(socket, pendingSessionState, &pendingRequest{onSessionState: cb})
	f.send(socket, EventSessionState, id, map[string]any{"session": sessionID})
}

// handleRegister processes an inbound proxy registration. Always a bare
// request (never correlated by uuid to something we sent), since a proxy
// initiates its own registration.
func (f *IceFrontend) handleRegister(s *signaling.Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
	var env struct {
		Parameter struct {
			UUID string `json:"uuid"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(request, &env); err != nil || env.Parameter.UUID == "" {
		f.log.Debug("register: malformed request", zap.String("remote", remote))
		return nil
	}
	if err := f.registry.RegisterProxy(socket, env.Parameter.UUID); err != nil {
		f.log.Warn("register: failed", zap.Error(err))
	}
	return nil // no ack: the wire carries no response for a registration
}

// handleSessionCreate dispatches an ice_session_create message, which may
// be either our own request's response or (in principle) a bare push; the
// latter is not a documented case for this event, so it is logged and
// ignored rather than surfacing a synthetic error callback.
func (f *IceFrontend) handleSessionCreate(s *signaling.Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
	var env wireEnvelope
	if err := json.Unmarshal(request, &env); err != nil {
		return nil
	}
	req, ok := f.resolve(env.UUID)
	if !ok || req.kind != pendingSessionCreate {
		f.log.Debug("session_create: no matching pending request", zap.String("uuid", env.UUID))
		return nil
	}

	if env.Code != 0 {
		if req.onSessionCreate != nil {
			req.onSessionCreate(env.UUID, env.Code, env.Message, nil)
		}
		return nil
	}

	var result SessionCreateResult
	if err := json.Unmarshal(env.Response, &result); err != nil || result.SessionID == "" || len(result.Proxy) == 0 {
		// Malformed response per §4.K: drop the proxy connection and treat
		// every session it hosted as dropped.
		f.log.Warn("session_create: malformed response, dropping proxy", zap.String("remote", remote))
		if req.onSessionCreate != nil {
			req.onSessionCreate(env.UUID, errs.ProtocolMismatch.Code(), "malformed session_create response", nil)
		}
		s.App().CloseConnection(socket)
		return nil
	}

	if err := f.registry.RegisterSession(socket, result.SessionID); err != nil {
		f.log.Warn("session_create: registry rejected session", zap.Error(err))
	}
	if req.onSessionCreate != nil {
		req.onSessionCreate(env.UUID, 0, "", &result)
	}
	return nil
}

// handleSimple builds the handler for the (id, code, message)-shaped events:
// the matching pending callback fires on correlation; an uncorrelated
// message fires the same callback with errs.NotAResponse, per §8's bare
// candidate scenario.
func (f *IceFrontend) handleSimple(kind pendingKind) signaling.HandlerFunc {
	return func(s *signaling.Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
		var env wireEnvelope
		if err := json.Unmarshal(request, &env); err != nil {
			return nil
		}

		req, ok := f.resolve(env.UUID)
		if !ok || req.kind != kind {
			f.handleBare(kind, env)
			return nil
		}
		if req.onResult != nil {
			req.onResult(env.UUID, env.Code, env.Message)
		}
		return nil
	}
}

func (f *IceFrontend) handleBare(kind pendingKind, env wireEnvelope) {
	switch kind {
	case pendingEndOfCandidates:
		if f.onBareEndOfCandidates != nil {
			f.onBareEndOfCandidates(env.UUID, errs.NotAResponse.Code(), "unsolicited end_of_candidates")
		}
	case pendingCandidate:
		if f.onBareCandidate != nil {
			f.onBareCandidate(env.UUID, errs.NotAResponse.Code(), "unsolicited candidate")
		}
	default:
		f.log.Debug("bare message for event with no pending request", zap.Int("kind", int(kind)))
	}
}

// handleSessionCompleted processes the inbound-only ice_session_completed
// push and unregisters the session from the registry.
func (f *IceFrontend) handleSessionCompleted(s *signaling.Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
	var env struct {
		Parameter struct {
			Session string `json:"session"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(request, &env); err != nil || env.Parameter.Session == "" {
		return nil
	}
	f.registry.UnregisterSession(env.Parameter.Session)
	if f.onSessionCompleted != nil {
		f.onSessionCompleted(env.Parameter.Session)
	}
	return nil
}

func (f *IceFrontend) handleSessionState(s *signaling.Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
	var env wireEnvelope
	if err := json.Unmarshal(request, &env); err != nil {
		return nil
	}
	req, ok := f.resolve(env.UUID)
	if !ok || req.kind != pendingSessionState {
		f.log.Debug("session_state: bare message received", zap.String("uuid", env.UUID))
		return nil
	}
	var body struct {
		Session string `json:"session"`
		State   string `json:"state"`
	}
	_ = json.Unmarshal(env.Response, &body)
	if req.onSessionState != nil {
		req.onSessionState(body.Session, env.Code, env.Message, body.State)
	}
	return nil
}
