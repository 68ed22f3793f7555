//go:build linux && amd64

// Package recorder implements host-level instruction tracing. A
// recording session single-steps every thread of this process through
// an out-of-process tracer, decodes each retired instruction, and
// records writes to registered regions as packets in a shared arena.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chaoticgd/vutrace/pkg/config"
	"github.com/chaoticgd/vutrace/pkg/hostdbg"
	"github.com/chaoticgd/vutrace/pkg/instrument"
	"github.com/chaoticgd/vutrace/pkg/trace"
)

// TraceRecorder owns one recording session: the shared packet arena and
// the tracer child's lifecycle.
type TraceRecorder struct {
	cfg    config.Config
	arena  *trace.SharedPacketBuffer
	thread hostdbg.TracerThread
}

// New returns an idle recorder.
func New(cfg config.Config) *TraceRecorder {
	return &TraceRecorder{cfg: cfg}
}

// BeginTrace freezes the traced-region table, allocates the shared
// packet arena, starts the tracer child and arms event instrumentation.
// It returns once the tracer has attached to every thread of this
// process, so all instructions executed after it are recorded.
func (r *TraceRecorder) BeginTrace() error {
	if r.arena != nil {
		return fmt.Errorf("trace already in progress")
	}

	instrument.Globals.Freeze()
	table, err := instrument.Globals.MarshalTable()
	if err != nil {
		return fmt.Errorf("serialize region table: %w", err)
	}

	arena, err := trace.NewSharedPacketBuffer(r.cfg.PacketBufferSize)
	if err != nil {
		return fmt.Errorf("allocate packet arena: %w", err)
	}

	worker := hostdbg.WorkerConfig{
		RegionTable:       table,
		InstructionBudget: r.cfg.InstructionBudget,
		ProgressInterval:  r.cfg.ProgressInterval,
		ArenaPath:         r.cfg.ArenaPath,
	}
	if err := r.thread.Start(worker, arena.File()); err != nil {
		arena.Close()
		return err
	}

	r.arena = arena
	instrument.Arm(&arena.PacketBuffer)
	return nil
}

// EndTrace disarms instrumentation and stops the tracer child, blocking
// until it has detached from every thread and exited.
func (r *TraceRecorder) EndTrace() error {
	instrument.Disarm()
	return r.thread.Stop()
}

// Recording reports whether a session is in progress.
func (r *TraceRecorder) Recording() bool {
	return r.thread.Started()
}

// SaveTrace writes the packet arena to path as a zstd stream. Call it
// after EndTrace; the arena stays mapped until Close.
func (r *TraceRecorder) SaveTrace(path string) error {
	if r.arena == nil {
		return fmt.Errorf("no trace to save")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.arena.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close releases the packet arena.
func (r *TraceRecorder) Close() error {
	if r.arena == nil {
		return nil
	}
	err := r.arena.Close()
	r.arena = nil
	return err
}

// RunWorker runs this process as the tracer child. Only meaningful when
// hostdbg.IsTracerWorker reports true; returns the process exit code.
func RunWorker() int {
	return hostdbg.RunTracerWorker(debugLoop)
}
