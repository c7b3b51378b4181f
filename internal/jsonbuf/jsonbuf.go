// jsonbuf.go — 4.B JSON IO buffer: per-connection residual byte buffer that
// turns a byte stream into a sequence of complete top-level JSON values.
// Grounded on internal/bridge/stdio.go's framing-boundary-detection shape
// (read raw bytes, find a message boundary, hand back one message), here
// generalized from a single Content-Length header to a JSON-value boundary
// detector (§4.B's "tolerant completeness match").
package jsonbuf

import (
	"bytes"
	"encoding/json"
)

// SuccessFunc is invoked once per complete value, in arrival order. It may
// drop its own connection (by calling Buffer.Drop or by some out-of-band
// mechanism the caller recognizes); Push checks buffer liveness before
// continuing to the next value.
type SuccessFunc[K comparable] func(conn K, value json.RawMessage)

// FailureFunc is invoked at most once per Push, when the buffer cannot make
// progress (malformed input anywhere in the chunk).
type FailureFunc[K comparable] func(conn K)

// Buffer maps connection keys to a residual byte buffer and parses as many
// complete top-level JSON values out of each Push as possible.
type Buffer[K comparable] struct {
	objectsOnly bool
	success     SuccessFunc[K]
	failure     FailureFunc[K]

	residual map[K][]byte
}

// New constructs a Buffer. If objectsOnly is set, a top-level value that is
// not a JSON object is treated as a mismatch.
func New[K comparable](objectsOnly bool, success SuccessFunc[K], failure FailureFunc[K]) *Buffer[K] {
	return &Buffer[K]{
		objectsOnly: objectsOnly,
		success:     success,
		failure:     failure,
		residual:    make(map[K][]byte),
	}
}

// Drop discards any residual buffer held for conn. Idempotent.
func (b *Buffer[K]) Drop(conn K) {
	delete(b.residual, conn)
}

// Free discards every connection's residual buffer.
func (b *Buffer[K]) Free() {
	b.residual = make(map[K][]byte)
}

// Push appends chunk to conn's residual buffer and parses as many complete
// top-level JSON values as possible, invoking success once per value in
// order. An empty chunk is a no-op: it invokes neither callback.
func (b *Buffer[K]) Push(conn K, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	buf := append(b.residual[conn], chunk...)

	for {
		// Step 1: skip leading whitespace.
		buf = skipWhitespace(buf)

		if len(buf) == 0 {
			b.residual[conn] = buf
			return
		}

		// Step 2: objects_only leading-byte check.
		if b.objectsOnly && buf[0] != '{' {
			b.mismatch(conn)
			return
		}

		// Step 3: tolerant completeness match.
		end, status := scanValue(buf)
		switch status {
		case scanProgress:
			b.residual[conn] = buf
			return
		case scanMismatch:
			b.mismatch(conn)
			return
		}

		// Step 4: strict parse of bytes[0..=end].
		candidate := buf[:end+1]
		var value json.RawMessage
		if err := json.Unmarshal(candidate, &value); err != nil {
			b.mismatch(conn)
			return
		}

		// Clear residual before invoking the callback: the callback may
		// re-enter Push (e.g. via a parse-again trampoline) and must see a
		// consistent buffer state, and it may also call Drop itself.
		rest := buf[end+1:]
		b.residual[conn] = append([]byte(nil), rest...)

		if b.success != nil {
			b.success(conn, value)
		}

		// The success callback may have dropped the connection's buffer
		// entirely (Drop deletes the map entry). Stop silently if so.
		next, alive := b.residual[conn]
		if !alive {
			return
		}
		buf = next
	}
}

func (b *Buffer[K]) mismatch(conn K) {
	delete(b.residual, conn)
	if b.failure != nil {
		b.failure(conn)
	}
}

func skipWhitespace(buf []byte) []byte {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return buf[i:]
		}
	}
	return buf[i:]
}

type scanStatus int

const (
	scanOK scanStatus = iota
	scanProgress
	scanMismatch
)

// scanValue finds the end index (inclusive) of the smallest complete JSON
// value starting at buf[0], without fully parsing it. Supports object,
// array, string, true, false, null, and number. A bare top-level number
// requires a trailing non-number-continuation byte to delimit it, since
// more digits could arrive in the next chunk.
func scanValue(buf []byte) (end int, status scanStatus) {
	switch buf[0] {
	case '{', '[':
		return scanBracketed(buf)
	case '"':
		return scanString(buf, 0)
	case 't':
		return scanLiteral(buf, "true")
	case 'f':
		return scanLiteral(buf, "false")
	case 'n':
		return scanLiteral(buf, "null")
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return scanNumber(buf)
	default:
		return 0, scanMismatch
	}
}

func scanLiteral(buf []byte, lit string) (int, scanStatus) {
	n := len(lit)
	if len(buf) < n {
		if bytes.HasPrefix([]byte(lit), buf) {
			return 0, scanProgress
		}
		return 0, scanMismatch
	}
	if string(buf[:n]) != lit {
		return 0, scanMismatch
	}
	return n - 1, scanOK
}

func scanBracketed(buf []byte) (int, scanStatus) {
	open := buf[0]
	var close byte
	if open == '{' {
		close = '}'
	} else {
		close = ']'
	}
	depth := 0
	i := 0
	for i < len(buf) {
		c := buf[i]
		switch {
		case c == '"':
			end, status := scanString(buf, i)
			if status != scanOK {
				return 0, status
			}
			i = end + 1
			continue
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return i, scanOK
			}
		}
		i++
	}
	return 0, scanProgress
}

// scanString scans a JSON string starting at buf[start] (must be a quote),
// returning the index of the closing quote.
func scanString(buf []byte, start int) (int, scanStatus) {
	i := start + 1
	for i < len(buf) {
		switch buf[i] {
		case '\\':
			i += 2
			continue
		case '"':
			return i, scanOK
		}
		i++
	}
	return 0, scanProgress
}

func scanNumber(buf []byte) (int, scanStatus) {
	i := 0
	for i < len(buf) && isNumberByte(buf[i]) {
		i++
	}
	if i == len(buf) {
		// Ran off the end of the buffer still inside the number: the next
		// chunk might supply more digits, so this is not yet delimited.
		return 0, scanProgress
	}
	return i - 1, scanOK
}

func isNumberByte(c byte) bool {
	switch c {
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '-', '+', '.', 'e', 'E':
		return true
	default:
		return false
	}
}
