// vmstore.go — 4.H program store: a fixed-capacity pool of program slots
// plus two indices (id → program, alias → canonical id). Grounded on
// internal/buffers/ring_buffer.go's fixed-capacity-slice-plus-index pool
// shape (teacher module, retired after grounding); the ring buffer's FIFO
// eviction is replaced with an explicit CapacityExhausted error since §4.H
// requires the store never silently drop a live program.
package vmstore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/obsmetrics"
)

// MaxProgramIDBytes is ov_vm_prog_db.c's null-terminated id cap, carried
// here per SPEC_FULL Part D.
const MaxProgramIDBytes = 255

// Status is a program's lifecycle state.
type Status int

const (
	StatusOk Status = iota
	StatusAborting
	StatusFailedToAbort
	StatusInvalid
)

// Instruction is §3's fixed-width record: one opcode byte plus three
// argument bytes.
type Instruction struct {
	Opcode byte
	Args   [3]byte
}

// Reserved opcodes; End terminates every instruction stream.
const (
	OpEnd     byte = 0x00
	OpNop     byte = 0xFD
	OpInvalid byte = 0xFE
)

// Result is the (code, message) pair attached to a finished program.
type Result struct {
	Code    int
	Message string
}

// Releaser is invoked exactly once, at program removal, to free the
// program's opaque UserData.
type Releaser func(id string, userData any)

// Program is §3's Program.
type Program struct {
	ID           string
	Instructions []Instruction
	PC           int
	Status       Status
	LastStep     any
	UserData     any
	Result       Result
	DueAt        int64 // epoch-microseconds at which timeout scanning considers this program eligible

	slot int
}

// Store is §4.H's pool-backed program store.
type Store struct {
	log      *zap.Logger
	metrics  *obsmetrics.Registry
	releaser Releaser

	mu       sync.Mutex
	capacity int
	slots    []*Program // nil entry means free
	free     []int
	byID     map[string]*Program
	aliases  map[string]string // alias -> canonical id
}

// New constructs a Store with the given fixed capacity.
func New(capacity int, releaser Releaser, log *zap.Logger, metrics *obsmetrics.Registry) *Store {
	if releaser == nil {
		releaser = func(string, any) {}
	}
	s := &Store{
		log:      log,
		metrics:  metrics,
		releaser: releaser,
		capacity: capacity,
		slots:    make([]*Program, capacity),
		byID:     make(map[string]*Program),
		aliases:  make(map[string]string),
	}
	s.free = make([]int, capacity)
	for i := range s.free {
		s.free[i] = capacity - 1 - i
	}
	return s
}

func validateID(id string) error {
	if id == "" {
		return errs.New(errs.InvalidInput, "program id must not be empty")
	}
	if len(id) > MaxProgramIDBytes {
		return errs.New(errs.InvalidInput, "program id exceeds 255 bytes")
	}
	return nil
}

// Insert adds a new program under id. Rejects a duplicate canonical id,
// an id already used as an alias, a full pool, or an invalid id/instruction
// stream (must end with OpEnd).
func (s *Store) Insert(id string, instructions []Instruction, userData any) (*Program, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if len(instructions) == 0 || instructions[len(instructions)-1].Opcode != OpEnd {
		return nil, errs.New(errs.InvalidInput, "instruction stream must end with End")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[id]; exists {
		return nil, errs.New(errs.AlreadyExists, "program id already in use")
	}
	if _, exists := s.aliases[id]; exists {
		return nil, errs.New(errs.AlreadyExists, "program id already in use as alias")
	}
	if len(s.free) == 0 {
		return nil, errs.New(errs.CapacityExhausted, "program store is full")
	}

	slot := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	p := &Program{
		ID:           id,
		Instructions: instructions,
		PC:           0,
		Status:       StatusOk,
		UserData:     userData,
		DueAt:        nowMicros(),
		slot:         slot,
	}
	s.slots[slot] = p
	s.byID[id] = p

	if s.metrics != nil {
		s.metrics.ProgramsActive.Inc()
	}
	return p, nil
}

// Get resolves id (canonical or alias) to its program.
func (s *Store) Get(id string) (*Program, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id)
}

func (s *Store) resolveLocked(id string) (*Program, bool) {
	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	p, ok := s.byID[id]
	return p, ok
}

// Alias maps a new secondary identifier to id's canonical program.
// Aliasing id to itself is a successful no-op (§8 idempotence). Rejects an
// alias name already mapped to any program (including a second alias of
// the same canonical id under a different name is fine; re-mapping an
// already-used alias name is not).
func (s *Store) Alias(id, alias string) error {
	if err := validateID(alias); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical := id
	if c, ok := s.aliases[id]; ok {
		canonical = c
	}
	if _, ok := s.byID[canonical]; !ok {
		return errs.New(errs.NotFound, "no such program")
	}
	if alias == canonical {
		return nil // aliasing id to itself: no-op
	}
	if _, ok := s.aliases[alias]; ok {
		return errs.New(errs.AlreadyExists, "alias already mapped")
	}
	if _, ok := s.byID[alias]; ok {
		return errs.New(errs.AlreadyExists, "alias collides with a canonical id")
	}
	s.aliases[alias] = canonical
	return nil
}

// Remove unhooks the canonical id, releases its user data, clears the
// program's slot back to the free list, and removes every alias pointing
// at it.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	p, ok := s.resolveLocked(id)
	if !ok {
		s.mu.Unlock()
		return
	}
	canonical := p.ID

	delete(s.byID, canonical)
	for alias, target := range s.aliases {
		if target == canonical {
			delete(s.aliases, alias)
		}
	}
	s.slots[p.slot] = nil
	s.free = append(s.free, p.slot)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ProgramsActive.Dec()
	}
	s.releaser(canonical, p.UserData)
}

// UpdateTime refreshes a program's timeout-eligibility timestamp to now.
func (s *Store) UpdateTime(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.resolveLocked(id); ok {
		p.DueAt = nowMicros()
	}
}

// NextDue scans the pool linearly and returns the first in-use program
// whose DueAt predates beforeEpochUsecs.
func (s *Store) NextDue(beforeEpochUsecs int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.slots {
		if p == nil {
			continue
		}
		if p.DueAt < beforeEpochUsecs {
			return p.ID, true
		}
	}
	return "", false
}

// ForEach calls fn once per in-use program, in slot order. fn must not
// mutate the store.
func (s *Store) ForEach(fn func(*Program)) {
	s.mu.Lock()
	snapshot := make([]*Program, 0, len(s.byID))
	for _, p := range s.slots {
		if p != nil {
			snapshot = append(snapshot, p)
		}
	}
	s.mu.Unlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// Len returns the number of live programs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
