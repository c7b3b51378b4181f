// parser.go — the Parser contract (§3) and its four built-in
// implementations, each owning its own per-connection residual state.
package app

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/httpmsg"
	"github.com/openvocs/ov-core/internal/jsonbuf"
	"github.com/openvocs/ov-core/internal/wsframe"
)

// DecodeStatus is one of the eight states a Parser's Decode call may
// report back to the stream IO path (§3).
type DecodeStatus int

const (
	StatusDone DecodeStatus = iota
	StatusSuccess
	StatusProgress
	StatusAnswer
	StatusAnswerClose
	StatusMismatch
	StatusError
	StatusClose
)

// DecodeResult is what one Decode call produces. Value carries the decoded
// message for StatusSuccess; Reply carries the value to hand to Encode (or
// a RawBytes value to pass straight to the wire) for StatusAnswer and
// StatusAnswerClose.
type DecodeResult struct {
	Status DecodeStatus
	Value  any
	Reply  any
	Err    error
}

// RawBytes marks a value that is already wire-ready: Encode must pass it
// through unchanged rather than re-encoding it. Used for replies a parser
// produces internally (a WS Pong frame already carries its own framing).
type RawBytes []byte

// Parser is the polymorphic decode/encode contract every connection is
// given one instance of. Each instance owns whatever residual buffering it
// needs; the App runtime never inspects that state directly.
type Parser interface {
	// Decode folds chunk (nil on a redrive with no new bytes) into the
	// parser's residual state and returns the next outcome. Callers drive
	// Decode(nil) repeatedly while HasBufferedInput reports true, draining
	// values already complete in the residual buffer before asking the
	// socket for more (§9's bounded decode-loop alternative to a self-pipe
	// trampoline).
	Decode(chunk []byte) DecodeResult

	// Encode turns a value bound for this connection into zero or more
	// wire-ready chunks. A RawBytes input is passed straight through.
	Encode(value any) ([][]byte, error)

	// HasBufferedInput reports whether a subsequent Decode(nil) may still
	// produce a queued result without new bytes arriving.
	HasBufferedInput() bool
}

// NewParser constructs a fresh Parser instance of the requested kind. Every
// connection gets its own instance: residual buffers are not shared.
func NewParser(kind ParserKind, objectsOnly bool) Parser {
	switch kind {
	case ParserJSON:
		return newJSONParser(objectsOnly)
	case ParserHTTP:
		return newHTTPParser()
	case ParserWebSocket:
		return newWSParser()
	default:
		return newRawParser()
	}
}

// outcomeQueue holds DecodeResults produced eagerly (e.g. several complete
// JSON values parsed out of one chunk) for one-at-a-time delivery.
type outcomeQueue struct {
	items []DecodeResult
}

func (q *outcomeQueue) push(r DecodeResult) { q.items = append(q.items, r) }

func (q *outcomeQueue) pop() (DecodeResult, bool) {
	if len(q.items) == 0 {
		return DecodeResult{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

func (q *outcomeQueue) hasMore() bool { return len(q.items) > 0 }

// --- raw passthrough -------------------------------------------------

type rawParser struct{}

func newRawParser() *rawParser { return &rawParser{} }

func (p *rawParser) Decode(chunk []byte) DecodeResult {
	if len(chunk) == 0 {
		return DecodeResult{Status: StatusProgress}
	}
	return DecodeResult{Status: StatusSuccess, Value: chunk}
}

func (p *rawParser) Encode(value any) ([][]byte, error) {
	switch v := value.(type) {
	case RawBytes:
		return [][]byte{[]byte(v)}, nil
	case []byte:
		return [][]byte{v}, nil
	default:
		return nil, errors.Errorf("app: raw parser cannot encode %T", value)
	}
}

func (p *rawParser) HasBufferedInput() bool { return false }

// --- JSON --------------------------------------------------------------

type jsonParser struct {
	buf   *jsonbuf.Buffer[int]
	queue outcomeQueue
}

func newJSONParser(objectsOnly bool) *jsonParser {
	p := &jsonParser{}
	p.buf = jsonbuf.New[int](objectsOnly,
		func(_ int, v json.RawMessage) {
			p.queue.push(DecodeResult{Status: StatusSuccess, Value: v})
		},
		func(_ int) {
			p.queue.push(DecodeResult{Status: StatusMismatch})
		},
	)
	return p
}

func (p *jsonParser) Decode(chunk []byte) DecodeResult {
	if len(chunk) > 0 {
		p.buf.Push(0, chunk)
	}
	if r, ok := p.queue.pop(); ok {
		return r
	}
	return DecodeResult{Status: StatusProgress}
}

func (p *jsonParser) Encode(value any) ([][]byte, error) {
	if raw, ok := value.(RawBytes); ok {
		return [][]byte{[]byte(raw)}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "app: encode json value")
	}
	return [][]byte{data}, nil
}

func (p *jsonParser) HasBufferedInput() bool { return p.queue.hasMore() }

// --- HTTP ----------------------------------------------------------------

type httpParser struct {
	residual []byte
	queue    outcomeQueue
}

func newHTTPParser() *httpParser { return &httpParser{} }

func (p *httpParser) Decode(chunk []byte) DecodeResult {
	if len(chunk) > 0 {
		p.residual = append(p.residual, chunk...)
	}
	for {
		msg, n, err := httpmsg.ParseRequest(p.residual)
		switch {
		case err == nil:
			p.residual = p.residual[n:]
			p.queue.push(DecodeResult{Status: StatusSuccess, Value: msg})
			continue
		case errors.Is(err, httpmsg.ErrIncomplete):
			goto drain
		default:
			p.residual = nil
			p.queue.push(DecodeResult{Status: StatusMismatch})
			goto drain
		}
	}
drain:
	if r, ok := p.queue.pop(); ok {
		return r
	}
	return DecodeResult{Status: StatusProgress}
}

// Encode only ever passes raw, already-serialized response bytes through:
// the webserver layer composes status line, headers, and body itself since
// HTTP response shape (206 ranges, content-type by extension) is policy
// that belongs to the caller, not the parser.
func (p *httpParser) Encode(value any) ([][]byte, error) {
	raw, ok := value.(RawBytes)
	if !ok {
		return nil, errs.New(errs.InvalidInput, "httpParser.Encode requires RawBytes")
	}
	return [][]byte{[]byte(raw)}, nil
}

func (p *httpParser) HasBufferedInput() bool { return p.queue.hasMore() }

// --- WebSocket -----------------------------------------------------------

type wsParser struct {
	reassembler *wsframe.Reassembler[int]
	jsonBuf     *jsonbuf.Buffer[int]
	queue       outcomeQueue
}

func newWSParser() *wsParser {
	p := &wsParser{reassembler: wsframe.NewReassembler[int]()}
	p.jsonBuf = jsonbuf.New[int](false,
		func(_ int, v json.RawMessage) {
			p.queue.push(DecodeResult{Status: StatusSuccess, Value: v})
		},
		func(_ int) {
			p.queue.push(DecodeResult{Status: StatusMismatch})
		},
	)
	return p
}

func (p *wsParser) Decode(chunk []byte) DecodeResult {
	if len(chunk) > 0 {
		events := p.reassembler.Push(0, chunk)
		for _, ev := range events {
			switch ev.Kind {
			case wsframe.EventDeliver:
				p.jsonBuf.Push(0, ev.Payload)
			case wsframe.EventPong:
				frame := wsframe.EncodeFrame(true, wsframe.OpPong, ev.Payload)
				p.queue.push(DecodeResult{Status: StatusAnswer, Reply: RawBytes(frame)})
			case wsframe.EventClose:
				p.queue.push(DecodeResult{Status: StatusClose})
			}
		}
	}
	if r, ok := p.queue.pop(); ok {
		return r
	}
	return DecodeResult{Status: StatusProgress}
}

func (p *wsParser) Encode(value any) ([][]byte, error) {
	if raw, ok := value.(RawBytes); ok {
		return [][]byte{[]byte(raw)}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "app: encode ws value")
	}
	return wsframe.EncodeMessage(wsframe.OpText, data), nil
}

func (p *wsParser) HasBufferedInput() bool { return p.queue.hasMore() }
