// mailbox.go — a small FIFO of byte chunks a connection's blocking reader
// goroutine appends to before waking the loop goroutine via Notify. The
// read syscall itself runs off-loop; only the chunk's processing (parser
// decode, handler invocation) runs on the loop goroutine, preserving the
// single-thread cooperative contract for callbacks (§5) without requiring
// raw readiness polling.
package app

import "sync"

type mailbox struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (m *mailbox) push(chunk []byte) {
	m.mu.Lock()
	m.chunks = append(m.chunks, chunk)
	m.mu.Unlock()
}

// drain returns and clears every chunk queued so far.
func (m *mailbox) drain() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chunks) == 0 {
		return nil
	}
	out := m.chunks
	m.chunks = nil
	return out
}
