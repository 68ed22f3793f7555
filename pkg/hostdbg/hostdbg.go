// Package hostdbg gives the recorder the ability to intercept every
// instruction executed by every thread of the running emulator, using
// only mechanisms available to an unprivileged process tracing itself.
//
// A thread cannot ptrace members of its own thread group, and a Go
// program cannot clone a bare thread out of the runtime's group, so the
// tracer runs as a re-executed child of the emulator binary. Start
// spawns it, grants it permission with prctl(PR_SET_PTRACER), hands it
// the traced-region table and the shared packet arena, and blocks until
// it has attached to every emulator thread.
package hostdbg

// EventType classifies what WaitForEvent observed.
type EventType int

const (
	// EventTrapped is a single-step trap stop (SIGTRAP).
	EventTrapped EventType = iota
	// EventThreadCreated is the first stop of a thread picked up
	// through TRACECLONE after the initial attach sweep.
	EventThreadCreated
	// EventThreadExited reports that an attached thread terminated.
	EventThreadExited
	// EventStopped is any other signal-delivery stop; the signal must
	// be reinjected when the thread is resumed.
	EventStopped
)

// Event is one status change observed by the wait loop.
type Event struct {
	TID    int
	Type   EventType
	Signal int
}

// TracedThread is the tracer-side state of one attached thread. The
// scratch fields are written only between a thread's own consecutive
// traps, all from the single tracer loop, so they need no locking.
type TracedThread struct {
	TID    int
	Status int

	// One-trap-latency scratch: set while decoding an instruction,
	// consumed when the next trap confirms the write completed.
	LastInstructionAccessedMemory bool
	Address                       uintptr
	OldValue                      byte
}
