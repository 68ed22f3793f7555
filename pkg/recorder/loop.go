//go:build linux && amd64

package recorder

import (
	"errors"
	"fmt"
	"os"

	"github.com/chaoticgd/vutrace/pkg/console"
	"github.com/chaoticgd/vutrace/pkg/hostdbg"
	"github.com/chaoticgd/vutrace/pkg/instrument"
	"github.com/chaoticgd/vutrace/pkg/trace"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// trapFlag is the single-step bit in EFLAGS. It is cleared by the CPU
// when the trap fires, so it has to be set again before every resume.
const trapFlag = 0x100

// maxInstructionLen is the longest legal x86-64 instruction.
const maxInstructionLen = 15

// debugLoop is the body of the tracer child: it records the initial
// contents of the traced regions, puts every tracee thread into
// single-step mode, and then runs the per-trap algorithm until it is
// interrupted or the instruction budget runs out.
func debugLoop(session *hostdbg.DebugSession, cfg hostdbg.WorkerConfig, arenaFile *os.File) error {
	arena, err := trace.MapPacketBuffer(arenaFile)
	if err != nil {
		return fmt.Errorf("map packet arena: %w", err)
	}

	registry, err := instrument.UnmarshalTable(cfg.RegionTable)
	if err != nil {
		return err
	}

	loop := &trapLoop{
		arena:            arena,
		registry:         registry,
		mem:              ptraceMemory{},
		symbols:          newSymbolTable(session.Tracee()),
		budget:           cfg.InstructionBudget,
		progressInterval: cfg.ProgressInterval,
	}

	// No instruction has run yet, so a plain snapshot of every traced
	// region read through ptrace is the state all later deltas apply to.
	if err := loop.saveState(session); err != nil {
		return err
	}

	for tid := range session.Threads() {
		if err := resumeSingleStep(tid, 0); err != nil {
			console.Warning("recorder: resume thread %d: %v", tid, err)
		}
	}

	for {
		event, err := session.WaitForEvent()
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				// Every traced thread is gone.
				return nil
			}
			return err
		}
		if event == nil {
			// Interrupted; the emulator keeps the arena, nothing to save.
			loop.report()
			return nil
		}

		switch event.Type {
		case hostdbg.EventTrapped:
			loop.trap(session.Thread(event.TID))
			if loop.budget > 0 && loop.icount >= loop.budget {
				console.WriteLn("recorder: instruction budget of %d exhausted", loop.budget)
				loop.report()
				return saveArena(arena, cfg.ArenaPath)
			}
			if err := resumeSingleStep(event.TID, 0); err != nil {
				console.Warning("recorder: resume thread %d: %v", event.TID, err)
			}
		case hostdbg.EventThreadCreated:
			if err := resumeSingleStep(event.TID, 0); err != nil {
				console.Warning("recorder: resume new thread %d: %v", event.TID, err)
			}
		case hostdbg.EventThreadExited:
			console.WriteLn("recorder: thread %d exited", event.TID)
		case hostdbg.EventStopped:
			// Not ours; hand the signal back to the thread.
			if err := resumeSingleStep(event.TID, event.Signal); err != nil {
				console.Warning("recorder: resume thread %d: %v", event.TID, err)
			}
		}
	}
}

// resumeSingleStep sets the trap flag in the stopped thread's register
// context and resumes it, reinjecting sig if nonzero.
func resumeSingleStep(tid int, sig int) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return err
	}
	regs.Eflags |= trapFlag
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return err
	}
	return unix.PtraceCont(tid, sig)
}

// memoryReader reads tracee memory. The ptrace implementation is
// swapped for an in-process fake in tests.
type memoryReader interface {
	peek(tid int, addr uintptr, buf []byte) error
}

type ptraceMemory struct{}

func (ptraceMemory) peek(tid int, addr uintptr, buf []byte) error {
	n, err := unix.PtracePeekData(tid, addr, buf)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return fmt.Errorf("short tracee read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

// symbolResolver names the function containing an address in the tracee.
type symbolResolver interface {
	lookup(addr uintptr) string
}

// trapLoop is the per-session state of the per-trap algorithm. It runs
// entirely on the single tracer thread; the per-thread scratch fields
// live on hostdbg.TracedThread.
type trapLoop struct {
	arena    *trace.PacketBuffer
	registry *instrument.Registry
	mem      memoryReader
	symbols  symbolResolver

	budget           uint64
	progressInterval uint64
	icount           uint64
	segmentSkips     uint64
}

// saveState records the pre-execution contents of every traced region
// as one blob packet. All threads are stopped here, so any TID works
// for the reads.
func (l *trapLoop) saveState(session *hostdbg.DebugSession) error {
	tid := session.Tracee()
	blob := make([]byte, l.registry.BlobSize())
	for _, region := range l.registry.Regions() {
		if err := l.mem.peek(tid, region.Base, blob[region.Offset:region.Offset+region.Size]); err != nil {
			return fmt.Errorf("read initial contents of %s: %w", region.Name, err)
		}
	}
	l.arena.Push(trace.SaveState{Blob: blob})
	return nil
}

// trap handles one single-step stop: it confirms the write armed on the
// thread's previous trap, then decodes the instruction about to execute
// and arms its memory operand for the next trap.
func (l *trapLoop) trap(thread *hostdbg.TracedThread) {
	if thread == nil {
		return
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(thread.TID, &regs); err != nil {
		return
	}
	l.step(thread, &regs)
}

// step is trap with the register fetch factored out, so tests can feed
// a synthetic context.
func (l *trapLoop) step(thread *hostdbg.TracedThread, regs *unix.PtraceRegs) {
	tid := thread.TID

	// The previous instruction retired, so a write it made is in memory
	// now and can be recorded as an old/new pair.
	if thread.LastInstructionAccessedMemory {
		thread.LastInstructionAccessedMemory = false
		if offset, ok := l.registry.Translate(thread.Address); ok {
			var now [1]byte
			if err := l.mem.peek(tid, thread.Address, now[:]); err == nil {
				l.arena.Push(trace.WriteDelta{
					Offset: offset,
					Old:    uint64(thread.OldValue),
					New:    uint64(now[0]),
				})
			}
		}
	}

	l.decodeAndArm(thread, regs)

	l.icount++
	if l.progressInterval > 0 && l.icount%l.progressInterval == 0 {
		if l.budget > 0 {
			console.WriteLn("recorder: %d instructions traced (%d%% of budget)",
				l.icount, l.icount*100/l.budget)
		} else {
			console.WriteLn("recorder: %d instructions traced", l.icount)
		}
	}
}

// decodeAndArm decodes the instruction at RIP, computes the effective
// address of its first plain memory operand, and snapshots the byte
// there so the next trap can confirm a write. Segment-relative operands
// are skipped: on this platform they address thread-local storage,
// which is never a traced region.
func (l *trapLoop) decodeAndArm(thread *hostdbg.TracedThread, regs *unix.PtraceRegs) {
	var code [maxInstructionLen]byte
	if err := l.mem.peek(thread.TID, uintptr(regs.Rip), code[:]); err != nil {
		return
	}
	inst, err := x86asm.Decode(code[:], 64)
	if err != nil {
		return
	}
	nextRIP := regs.Rip + uint64(inst.Len)

	for _, arg := range inst.Args {
		operand, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if operand.Segment != 0 {
			l.segmentSkips++
			continue
		}
		addr, ok := memOperandAddress(operand, regs, nextRIP)
		if !ok {
			continue
		}

		if l.symbols != nil {
			console.WriteLn("recorder: %s: %s touches %#x",
				l.symbols.lookup(uintptr(regs.Rip)), inst.Op, addr)
		}

		var old [1]byte
		if err := l.mem.peek(thread.TID, addr, old[:]); err != nil {
			continue
		}
		thread.Address = addr
		thread.OldValue = old[0]
		thread.LastInstructionAccessedMemory = true
		return
	}
}

// report prints the session totals.
func (l *trapLoop) report() {
	console.WriteLn("recorder: traced %d instructions, skipped %d segment-relative operands",
		l.icount, l.segmentSkips)
}

// saveArena flushes the packet arena to disk. Used when the tracer ends
// the session itself and the emulator never gets to call SaveTrace.
func saveArena(arena *trace.PacketBuffer, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save packet arena: %w", err)
	}
	if err := arena.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
