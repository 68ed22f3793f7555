// Package vutrace captures per-instruction traces of VU1 micro program
// execution. It is driven entirely by hooks called synchronously from
// the emulation thread and writes one self-contained trace file per
// micro program invocation.
package vutrace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/chaoticgd/vutrace/pkg/config"
	"github.com/chaoticgd/vutrace/pkg/console"
	"github.com/chaoticgd/vutrace/pkg/instrument"
	"github.com/chaoticgd/vutrace/pkg/trace"
)

// Status is the capture state machine's state.
type Status int32

const (
	// StatusDisabled means no capture is armed.
	StatusDisabled Status = iota
	// StatusWaiting means capture is armed and waiting for the next
	// vertical sync boundary.
	StatusWaiting
	// StatusTracing means a session is active and every instruction
	// callback is recorded.
	StatusTracing
)

// Tracer implements the vsync-driven capture state machine. All hooks
// are called synchronously on the emulation thread and never block;
// TraceIndex is the only field read from other threads.
type Tracer struct {
	cfg      config.Config
	registry *instrument.Registry

	status Status

	// TraceIndex is the index of the sub-trace currently being written,
	// or -1 outside a session. Published for other subsystems to read
	// while tracing.
	TraceIndex atomic.Int32

	nextIndex int
	w         *trace.Writer
	logFile   *os.File

	wroteInstructions bool

	lastRegs      Registers
	lastRegsValid bool
	lastMem       [MemSize]byte
	lastMemValid  bool

	readAddr, readSize   uint32
	writeAddr, writeSize uint32
}

// New returns a disabled tracer using the process-wide traced-region
// registry.
func New(cfg config.Config) *Tracer {
	return NewWithRegistry(cfg, instrument.Globals)
}

// NewWithRegistry is New with an explicit registry, for tests.
func NewWithRegistry(cfg config.Config, registry *instrument.Registry) *Tracer {
	t := &Tracer{cfg: cfg, registry: registry}
	t.TraceIndex.Store(-1)
	return t
}

// Status returns the state machine's current state.
func (t *Tracer) Status() Status {
	return t.status
}

// OnTraceRequested arms the tracer: the session begins at the next
// vertical sync boundary. Ignored unless the tracer is disabled.
func (t *Tracer) OnTraceRequested() {
	if t.status == StatusDisabled {
		t.status = StatusWaiting
	}
}

// OnVsync drives the state machine across vertical sync boundaries: an
// armed tracer begins a session, an active session ends and the tracer
// returns to disabled.
func (t *Tracer) OnVsync() {
	switch t.status {
	case StatusWaiting:
		t.status = StatusTracing
		t.beginSession()
	case StatusTracing:
		t.status = StatusDisabled
		t.endSession()
	}
}

// OnVu1ExecMicro splits the session at a micro program boundary: the
// current sub-trace ends and a new one begins immediately, without
// leaving the tracing state.
func (t *Tracer) OnVu1ExecMicro(pc uint32) {
	if t.status == StatusTracing {
		t.endTrace()
		t.beginTrace()
	}
}

// OnMemoryRead records the address and size of the most recent load
// performed by the emulated instruction.
func (t *Tracer) OnMemoryRead(addr, size uint32) {
	t.readAddr = addr
	t.readSize = size
}

// OnMemoryWrite records the address and size of the most recent store
// performed by the emulated instruction.
func (t *Tracer) OnMemoryWrite(addr, size uint32) {
	t.writeAddr = addr
	t.writeSize = size
}

// OnInstructionExecuted records one frame of state changes. The first
// callback of a sub-trace emits full snapshots since there is no prior
// state to diff against; every later callback emits only the registers
// and 4-byte memory words that changed, followed by the frame delimiter
// and any pending load/store markers.
func (t *Tracer) OnInstructionExecuted(state *State) {
	if t.status != StatusTracing || t.w == nil {
		return
	}

	// Micro memory is written out once per file.
	if !t.wroteInstructions {
		t.push(trace.SetInstructions{Micro: state.Micro[:]})
		t.wroteInstructions = true
	}

	if !t.lastRegsValid {
		t.push(trace.SaveState{Blob: t.stateBlob()})
		t.push(trace.SetRegisters{Regs: state.Registers.appendBlob(nil)})
		t.lastRegs = state.Registers
		t.lastRegsValid = true
	} else {
		t.patchRegisters(&state.Registers)
	}

	if !t.lastMemValid {
		t.push(trace.SetMemory{Mem: state.Mem[:]})
		t.lastMem = state.Mem
		t.lastMemValid = true
	} else {
		for i := 0; i < MemSize; i += 4 {
			if t.lastMem[i] != state.Mem[i] || t.lastMem[i+1] != state.Mem[i+1] ||
				t.lastMem[i+2] != state.Mem[i+2] || t.lastMem[i+3] != state.Mem[i+3] {
				patch := trace.PatchMemory{Offset: uint32(i)}
				copy(patch.Value[:], state.Mem[i:i+4])
				t.push(patch)
				copy(t.lastMem[i:i+4], state.Mem[i:i+4])
			}
		}
	}

	t.push(trace.PushSnapshot{})

	if t.readSize > 0 {
		t.push(trace.LoadOp{MemoryOp: trace.MemoryOp{Addr: t.readAddr, Size: t.readSize}})
		t.readSize = 0
	}
	if t.writeSize > 0 {
		t.push(trace.StoreOp{MemoryOp: trace.MemoryOp{Addr: t.writeAddr, Size: t.writeSize}})
		t.writeSize = 0
	}
}

func (t *Tracer) patchRegisters(regs *Registers) {
	patch := func(index uint8, value *Vec, last *Vec) {
		if *value != *last {
			t.push(trace.PatchRegister{Index: index, Value: *value})
			*last = *value
		}
	}
	for i := 0; i < numVF; i++ {
		patch(uint8(i), &regs.VF[i], &t.lastRegs.VF[i])
	}
	for i := 0; i < numVI; i++ {
		patch(uint8(numVF+i), &regs.VI[i], &t.lastRegs.VI[i])
	}
	patch(regIndexACC, &regs.ACC, &t.lastRegs.ACC)
	patch(regIndexQ, &regs.Q, &t.lastRegs.Q)
	patch(regIndexP, &regs.P, &t.lastRegs.P)
}

func (t *Tracer) stateBlob() []byte {
	blob := make([]byte, t.registry.BlobSize())
	if err := t.registry.Snapshot(blob); err != nil {
		console.Error("vutrace: %v", err)
	}
	return blob
}

func (t *Tracer) push(p trace.Packet) {
	if err := t.w.WritePacket(p); err != nil {
		// Mid-trace write failures are best effort.
		console.Error("vutrace: write packet: %v", err)
	}
}

// Logf writes a line to the session log file. No-op outside a session.
func (t *Tracer) Logf(format string, args ...interface{}) {
	if t.logFile != nil {
		fmt.Fprintf(t.logFile, format+"\n", args...)
	}
}

func (t *Tracer) beginSession() {
	if err := os.MkdirAll(t.cfg.OutputDir, 0755); err != nil {
		console.Error("vutrace: fatal: cannot create output directory: %v", err)
		t.status = StatusDisabled
		return
	}

	logFile, err := os.Create(filepath.Join(t.cfg.OutputDir, "LOG.txt"))
	if err != nil {
		console.Error("vutrace: fatal: cannot open log file for writing: %v", err)
		t.status = StatusDisabled
		return
	}
	t.logFile = logFile
	t.nextIndex = 0
	t.beginTrace()
}

func (t *Tracer) endSession() {
	t.endTrace()
	t.TraceIndex.Store(-1)
	if t.logFile != nil {
		t.logFile.Close()
		t.logFile = nil
	}
	console.WriteLn("vutrace: trace session finished")
}

func (t *Tracer) beginTrace() {
	index := t.nextIndex
	t.nextIndex++
	t.TraceIndex.Store(int32(index))

	path := filepath.Join(t.cfg.OutputDir, fmt.Sprintf("trace%06d.bin", index))
	console.WriteLn("vutrace: tracing to %s", path)
	t.Logf("******************************** Tracing to %s ********************************", path)

	w, err := trace.NewWriter(path)
	if err != nil {
		console.Error("vutrace: fatal: cannot open trace file: %v", err)
		t.status = StatusDisabled
		t.w = nil
		return
	}
	t.w = w

	// Stale markers from before the boundary must not leak into the new
	// sub-trace.
	t.readSize = 0
	t.writeSize = 0
}

func (t *Tracer) endTrace() {
	if t.w != nil {
		if err := t.w.Close(); err != nil {
			console.Error("vutrace: close trace file: %v", err)
		}
		t.w = nil
	}

	// The next sub-trace diffs against nothing, so it always opens with
	// full snapshots regardless of how this one ended.
	t.wroteInstructions = false
	t.lastRegsValid = false
	t.lastMemValid = false
}
