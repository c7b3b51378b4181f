// signaling.go — 4.F signaling layer: event-name → handler dispatch over
// internal/app. Grounded on internal/queries/dispatcher.go's lock-ordering
// discipline (one mutex guarding dispatch state, independent of whatever
// lock the connection registry below it holds); that package's actual
// content (browser query pending-queue bookkeeping) does not transfer and
// was deleted once the discipline was extracted.
//
// Per the design note on callback userdata hijacking: the dispatcher is a
// typed field of Signaling, not stashed in the App's SocketConfig.UserData
// slot. A handler that needs the original userdata reads it from
// Signaling.UserData directly.
package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/app"
	"github.com/openvocs/ov-core/internal/loop"
)

// Direction classifies a monitored message.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// MonitorFunc observes every inbound and outbound signaling value, for
// logging/auditing. Never mutates state.
type MonitorFunc func(dir Direction, socket loop.SocketHandle, remote string, value any)

// CloseSocket is the sentinel a HandlerFunc returns to request the
// connection be closed after its response (if any) is flushed.
type CloseSocket struct{ Response any }

// HandlerFunc handles one decoded event. Returning nil sends no reply;
// returning a CloseSocket sends CloseSocket.Response (if non-nil) and then
// closes the connection; any other non-nil value is sent back as-is.
type HandlerFunc func(s *Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any

// Signaling wraps an App with a command dispatch table.
type Signaling struct {
	app *app.App
	log *zap.Logger

	mu           sync.Mutex
	handlers     map[string]HandlerFunc
	descriptions map[string]string
	monitor      MonitorFunc

	// UserData is the caller's own per-signaling opaque value, kept
	// distinct from the dispatch table above it.
	UserData any
}

// New constructs a Signaling wrapper and registers the built-in "help" and
// "shutdown" commands.
func New(a *app.App, log *zap.Logger, userData any) *Signaling {
	s := &Signaling{
		app:          a,
		log:          log,
		handlers:     make(map[string]HandlerFunc),
		descriptions: make(map[string]string),
		UserData:     userData,
	}
	s.Register("help", "list available commands", helpHandler)
	s.Register("shutdown", "stop the event loop", shutdownHandler)
	return s
}

// SetMonitor installs (or clears, with nil) the monitor hook.
func (s *Signaling) SetMonitor(m MonitorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor = m
}

// Register adds or replaces the handler for an event name.
func (s *Signaling) Register(name, description string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
	s.descriptions[name] = description
}

// App returns the wrapped App runtime, for callers that need to reach the
// underlying send/close primitives directly.
func (s *Signaling) App() *app.App { return s.app }

// IOFunc returns an app.IOFunc implementing §4.F's contract: parse the
// envelope, invoke the monitor, dispatch by event name, relay the
// response.
func (s *Signaling) IOFunc() app.IOFunc {
	return func(a *app.App, socket loop.SocketHandle, uuid, remote string, value any) bool {
		raw, ok := value.(json.RawMessage)
		if !ok {
			s.log.Debug("signaling io: non-JSON value, ignoring", zap.String("uuid", uuid))
			return true
		}

		var envelope struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Event == "" {
			s.log.Debug("signaling io: missing or invalid event field", zap.String("uuid", uuid))
			return true
		}

		s.invokeMonitor(DirectionIn, socket, remote, raw)

		s.mu.Lock()
		handler := s.handlers[envelope.Event]
		s.mu.Unlock()
		if handler == nil {
			return true // unknown command: no-op success, per §4.F step 3
		}

		result := handler(s, envelope.Event, raw, socket, remote)
		return s.relay(socket, remote, result)
	}
}

func (s *Signaling) invokeMonitor(dir Direction, socket loop.SocketHandle, remote string, value any) {
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()
	if m != nil {
		m(dir, socket, remote, value)
	}
}

func (s *Signaling) relay(socket loop.SocketHandle, remote string, result any) bool {
	switch v := result.(type) {
	case nil:
		return true
	case CloseSocket:
		if v.Response != nil {
			s.invokeMonitor(DirectionOut, socket, remote, v.Response)
			if err := s.app.Send(socket, v.Response); err != nil {
				s.log.Warn("signaling: send before close failed", zap.Error(err))
			}
		}
		s.app.CloseConnection(socket)
		return false
	default:
		s.invokeMonitor(DirectionOut, socket, remote, v)
		if err := s.app.Send(socket, v); err != nil {
			s.log.Warn("signaling: send response failed", zap.Error(err))
			return false
		}
		return true
	}
}

// Descriptions returns a snapshot of every registered command's
// description, keyed by event name.
func (s *Signaling) Descriptions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.descriptions))
	for k, v := range s.descriptions {
		out[k] = v
	}
	return out
}

func helpHandler(s *Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
	return map[string]any{
		"event":        "help_response",
		"descriptions": s.Descriptions(),
	}
}

const shutdownLinger = 50 * time.Millisecond

func shutdownHandler(s *Signaling, name string, request json.RawMessage, socket loop.SocketHandle, remote string) any {
	s.app.StopAfter(shutdownLinger)
	return map[string]any{"event": "shutdown_ack"}
}
