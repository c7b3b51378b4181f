// vm.go — 4.I program VM: opcode registry, the execute loop, abort/rollback,
// and the periodic timeout scan. Grounded on internal/queries/dispatcher.go's
// notify-channel + periodic-cleanup-goroutine pattern (commandNotify,
// startResultCleanup — teacher module, retired after grounding) for the
// VM's own timeout-scan ticker, supervised via golang.org/x/sync/errgroup.
package vm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openvocs/ov-core/internal/errs"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obsmetrics"
	"github.com/openvocs/ov-core/internal/vmstore"
)

// StepKind is a forward/inverse handler's return value, per §4.I step 3.
type StepKind int

const (
	StepNext StepKind = iota
	StepWaitAndNext
	StepWaitAndRepeat
	StepFinished
	StepError
)

// Step is what a Handler returns.
type Step struct {
	Kind StepKind
	Err  error // only meaningful when Kind == StepError
}

// Handler executes one instruction's forward or inverse side.
type Handler func(vm *VM, p *vmstore.Program, args [3]byte) Step

// OpcodeDef is §3's OpcodeDefinition.
type OpcodeDef struct {
	Symbol  string
	Forward Handler
	Inverse Handler
}

// DoneFunc/AbortedFunc/FailedToAbortFunc are the VM's notification
// callbacks, invoked at program release.
type DoneFunc func(id string)
type AbortedFunc func(id string)
type FailedToAbortFunc func(id string)

// Config bundles the VM's construction-time dependencies and tunables.
type Config struct {
	Store               *vmstore.Store
	Loop                *loop.Loop
	Log                 *zap.Logger
	Metrics             *obsmetrics.Registry
	DefaultTimeoutUsecs int64
	TimeoutBatchSize    int // design value 5 per §4.I
	Done                DoneFunc
	Aborted             AbortedFunc
	FailedToAbort       FailedToAbortFunc
}

const defaultTimeoutBatchSize = 5

// VM is §4.I's program VM.
type VM struct {
	store   *vmstore.Store
	loop    *loop.Loop
	log     *zap.Logger
	metrics *obsmetrics.Registry

	defaultTimeoutUsecs int64
	batchSize           int

	done          DoneFunc
	aborted       AbortedFunc
	failedToAbort FailedToAbortFunc

	mu      sync.Mutex
	opcodes map[byte]OpcodeDef

	timerID  loop.TimerID
	timerSet bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a VM and registers a no-op inverse warning policy for any
// opcode registered without one.
func New(cfg Config) *VM {
	batch := cfg.TimeoutBatchSize
	if batch <= 0 {
		batch = defaultTimeoutBatchSize
	}
	return &VM{
		store:               cfg.Store,
		loop:                cfg.Loop,
		log:                 cfg.Log,
		metrics:             cfg.Metrics,
		defaultTimeoutUsecs: cfg.DefaultTimeoutUsecs,
		batchSize:           batch,
		done:                cfg.Done,
		aborted:             cfg.Aborted,
		failedToAbort:       cfg.FailedToAbort,
		opcodes:             make(map[byte]OpcodeDef),
	}
}

// Register adds an opcode to the table. Rejects the three reserved
// opcodes. A nil inverse is replaced by a logged no-op.
func (vm *VM) Register(opcode byte, symbol string, forward, inverse Handler) error {
	if opcode == vmstore.OpEnd || opcode == vmstore.OpNop || opcode == vmstore.OpInvalid {
		return errs.New(errs.InvalidInput, "opcode is reserved")
	}
	if forward == nil {
		return errs.New(errs.InvalidInput, "forward handler is required")
	}
	if inverse == nil {
		vm.log.Warn("opcode registered without inverse handler, substituting no-op",
			zap.Uint8("opcode", opcode), zap.String("symbol", symbol))
		inverse = noopInverse
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.opcodes[opcode] = OpcodeDef{Symbol: symbol, Forward: forward, Inverse: inverse}
	return nil
}

func noopInverse(vm *VM, p *vmstore.Program, args [3]byte) Step {
	return Step{Kind: StepNext}
}

func (vm *VM) lookup(opcode byte) (OpcodeDef, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	def, ok := vm.opcodes[opcode]
	return def, ok
}

// Trigger inserts a new program and begins executing it. On a store
// insertion failure, the caller retains ownership of data.
func (vm *VM) Trigger(instructions []vmstore.Instruction, id string, data any) error {
	p, err := vm.store.Insert(id, instructions, data)
	if err != nil {
		return err
	}
	vm.execute(p)
	return nil
}

// Continue resolves id (canonical or alias) and re-enters the execute loop
// for it, e.g. after a correlated response arrives for a suspended step.
func (vm *VM) Continue(id string) error {
	p, ok := vm.store.Get(id)
	if !ok {
		return errs.New(errs.NotFound, "no such program")
	}
	vm.store.UpdateTime(p.ID)
	vm.execute(p)
	return nil
}

// Abort begins or escalates cancellation of a program, per §4.I.
func (vm *VM) Abort(id string, finishCurrentStep bool) error {
	p, ok := vm.store.Get(id)
	if !ok {
		return errs.New(errs.NotFound, "no such program")
	}

	switch p.Status {
	case vmstore.StatusOk:
		lastWasSuspend := wasWaitAndNext(p.LastStep)
		p.Status = vmstore.StatusAborting
		if vm.metrics != nil {
			vm.metrics.ProgramAbortsTotal.Inc()
		}
		if lastWasSuspend && !finishCurrentStep {
			p.PC--
		}
		p.PC--
		vm.execute(p)
	case vmstore.StatusAborting:
		p.Status = vmstore.StatusFailedToAbort
		vm.releaseFailedToAbort(p)
	case vmstore.StatusFailedToAbort, vmstore.StatusInvalid:
		// no-op
	}
	return nil
}

func wasWaitAndNext(last any) bool {
	step, ok := last.(Step)
	return ok && step.Kind == StepWaitAndNext
}

// execute runs instructions until the program finishes, suspends (Wait),
// or its abort unwind completes (PC < 0). See §4.I for the full state
// machine.
func (vm *VM) execute(p *vmstore.Program) {
	for {
		if p.Status == vmstore.StatusAborting && p.PC < 0 {
			vm.releaseAborted(p)
			return
		}
		if p.PC < 0 || p.PC >= len(p.Instructions) {
			p.Status = vmstore.StatusInvalid
			return
		}

		instr := p.Instructions[p.PC]
		if p.Status == vmstore.StatusOk && instr.Opcode == vmstore.OpEnd {
			vm.releaseDone(p)
			return
		}
		if instr.Opcode == vmstore.OpNop {
			vm.advance(p)
			continue
		}

		def, ok := vm.lookup(instr.Opcode)
		if !ok {
			vm.log.Error("unregistered opcode", zap.Uint8("opcode", instr.Opcode), zap.String("program", p.ID))
			p.Status = vmstore.StatusInvalid
			return
		}

		var handler Handler
		if p.Status == vmstore.StatusAborting {
			handler = def.Inverse
		} else {
			handler = def.Forward
		}

		step := handler(vm, p, instr.Args)
		p.LastStep = step

		switch step.Kind {
		case StepNext:
			vm.advance(p)
			continue

		case StepWaitAndNext:
			if p.Status == vmstore.StatusAborting {
				vm.log.Warn("inverse handler returned WaitAndNext during abort, treating as Next",
					zap.String("program", p.ID))
				vm.advance(p)
				continue
			}
			vm.advance(p)
			return

		case StepWaitAndRepeat:
			if p.Status == vmstore.StatusAborting {
				vm.log.Warn("inverse handler returned WaitAndRepeat during abort, treating as Next",
					zap.String("program", p.ID))
				vm.advance(p)
				continue
			}
			return

		case StepFinished:
			vm.releaseDone(p)
			return

		case StepError:
			p.Result = vmstore.Result{Code: errs.KindOf(step.Err).Code(), Message: step.Err.Error()}
			p.Status = vmstore.StatusAborting
			if vm.metrics != nil {
				vm.metrics.ProgramAbortsTotal.Inc()
			}
			p.PC-- // the instruction that errored never completed forward phase
			continue

		default:
			p.Status = vmstore.StatusInvalid
			return
		}
	}
}

func (vm *VM) advance(p *vmstore.Program) {
	if p.Status == vmstore.StatusOk {
		p.PC++
	} else {
		p.PC--
	}
}

func (vm *VM) releaseDone(p *vmstore.Program) {
	id := p.ID
	vm.store.Remove(id)
	if vm.done != nil {
		vm.done(id)
	}
}

func (vm *VM) releaseAborted(p *vmstore.Program) {
	id := p.ID
	vm.store.Remove(id)
	if vm.aborted != nil {
		vm.aborted(id)
	}
}

func (vm *VM) releaseFailedToAbort(p *vmstore.Program) {
	id := p.ID
	vm.store.Remove(id)
	if vm.failedToAbort != nil {
		vm.failedToAbort(id)
	}
}

// StartTimeoutScan arms the periodic timer that aborts programs older than
// the configured default timeout, up to batchSize per tick, and supervises
// it via an errgroup so StopTimeoutScan can wait for clean teardown.
func (vm *VM) StartTimeoutScan() {
	if vm.defaultTimeoutUsecs <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	vm.cancel = cancel
	g, _ := errgroup.WithContext(ctx)
	vm.group = g

	vm.armTimer()
	g.Go(func() error {
		<-ctx.Done()
		vm.loop.TimerUnset(vm.timerID)
		return nil
	})
}

func (vm *VM) armTimer() {
	vm.timerID = vm.loop.TimerSet(vm.defaultTimeoutUsecs, nil, vm.onTimeoutTick)
	vm.timerSet = true
}

func (vm *VM) onTimeoutTick(loop.TimerID, any) bool {
	bound := time.Now().UnixMicro() - vm.defaultTimeoutUsecs
	for i := 0; i < vm.batchSize; i++ {
		id, ok := vm.store.NextDue(bound)
		if !ok {
			break
		}
		if err := vm.Abort(id, false); err != nil {
			vm.log.Warn("timeout scan: abort failed", zap.String("program", id), zap.Error(err))
			break
		}
	}
	vm.armTimer()
	return true
}

// StopTimeoutScan cancels the timeout-scan timer and waits for its
// supervising goroutine to exit.
func (vm *VM) StopTimeoutScan() {
	if vm.cancel == nil {
		return
	}
	vm.cancel()
	_ = vm.group.Wait()
}
