//go:build !(linux && amd64)

// Package recorder implements host-level instruction tracing. The trap
// mechanism needs Linux ptrace and x86-64 register context, so on other
// platforms the recorder refuses to start.
package recorder

import (
	"fmt"
	"runtime"

	"github.com/chaoticgd/vutrace/pkg/config"
)

// TraceRecorder owns one recording session. Unsupported here.
type TraceRecorder struct {
	cfg config.Config
}

// New returns an idle recorder.
func New(cfg config.Config) *TraceRecorder {
	return &TraceRecorder{cfg: cfg}
}

// BeginTrace fails: instruction tracing needs linux/amd64.
func (r *TraceRecorder) BeginTrace() error {
	return fmt.Errorf("instruction tracing is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

// EndTrace is a programming error without a matching BeginTrace.
func (r *TraceRecorder) EndTrace() error {
	panic("recorder: EndTrace called without BeginTrace")
}

// Recording reports whether a session is in progress.
func (r *TraceRecorder) Recording() bool { return false }

// SaveTrace fails: no session can exist on this platform.
func (r *TraceRecorder) SaveTrace(path string) error {
	return fmt.Errorf("no trace to save")
}

// Close releases session resources.
func (r *TraceRecorder) Close() error { return nil }

// RunWorker runs this process as the tracer child. Never reached on
// this platform.
func RunWorker() int { return 1 }
