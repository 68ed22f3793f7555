//go:build !linux

package hostdbg

import (
	"fmt"
	"os"
	"runtime"
)

// Supported reports whether the host attach mechanism exists on this
// platform.
const Supported = false

// WorkerConfig is everything the tracer child needs to run a session.
type WorkerConfig struct {
	RegionTable       []byte `json:"region_table"`
	InstructionBudget uint64 `json:"instruction_budget"`
	ProgressInterval  uint64 `json:"progress_interval"`
	ArenaPath         string `json:"arena_path"`
}

// TracerThread manages the out-of-process tracer. Unsupported here.
type TracerThread struct{}

// Start fails: the trap-based recorder needs Linux ptrace.
func (t *TracerThread) Start(cfg WorkerConfig, arena *os.File) error {
	return fmt.Errorf("instruction tracing is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

// Stop is a programming error on a tracer that was never started.
func (t *TracerThread) Stop() error {
	panic("hostdbg: Stop called on a tracer that was not started")
}

// Started reports whether the tracer child is running.
func (t *TracerThread) Started() bool { return false }

// IsTracerWorker reports whether this process should run as a tracer.
func IsTracerWorker() bool { return false }
