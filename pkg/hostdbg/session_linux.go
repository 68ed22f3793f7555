//go:build linux

package hostdbg

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/chaoticgd/vutrace/pkg/console"
	"golang.org/x/sys/unix"
)

// DebugSession wraps ptrace for a whole thread group, since each thread
// has to be attached to and managed separately.
type DebugSession struct {
	tracee    int
	interrupt *atomic.Bool
	threads   map[int]*TracedThread
	order     []int

	// Syscall seams, replaced in tests.
	listThreads    func(pid int) ([]int, error)
	attachThread   func(tid int) error
	detachThread   func(tid int) error
	waitNextStatus func() (int, unix.WaitStatus, error)
}

// NewDebugSession prepares a session for attaching to every thread of
// the tracee process. The interrupt flag is polled at the top of each
// wait cycle.
func NewDebugSession(tracee int, interrupt *atomic.Bool) *DebugSession {
	s := &DebugSession{
		tracee:    tracee,
		interrupt: interrupt,
		threads:   map[int]*TracedThread{},
	}
	s.listThreads = enumerateThreads
	s.attachThread = attachToThread
	s.detachThread = detachFromThread
	s.waitNextStatus = waitAnyThread
	return s
}

// Tracee returns the PID of the traced process.
func (s *DebugSession) Tracee() int {
	return s.tracee
}

// Threads returns the attached threads, keyed by TID.
func (s *DebugSession) Threads() map[int]*TracedThread {
	return s.threads
}

// Thread returns the state for one attached thread, or nil.
func (s *DebugSession) Thread(tid int) *TracedThread {
	return s.threads[tid]
}

// Interrupted reports whether Stop has been requested.
func (s *DebugSession) Interrupted() bool {
	return s.interrupt != nil && s.interrupt.Load()
}

// Attach attaches to every thread of the tracee. A thread spawned while
// the sweep is running would be missed by a single pass, so enumeration
// repeats until a full pass discovers no thread we are not already
// attached to.
func (s *DebugSession) Attach() error {
	for {
		discovered := 0

		tids, err := s.listThreads(s.tracee)
		if err != nil {
			return err
		}
		for _, tid := range tids {
			if _, ok := s.threads[tid]; ok {
				continue
			}
			if err := s.attachThread(tid); err != nil {
				return fmt.Errorf("attach to thread %d: %w", tid, err)
			}
			s.threads[tid] = &TracedThread{TID: tid}
			s.order = append(s.order, tid)
			discovered++
		}

		if discovered == 0 {
			return nil
		}
	}
}

// Detach detaches from every still-attached thread in the reverse order
// of attachment. Individual failures are logged and teardown continues;
// a thread that exited while traced reports ESRCH here and that is fine.
func (s *DebugSession) Detach() {
	for i := len(s.order) - 1; i >= 0; i-- {
		tid := s.order[i]
		if _, ok := s.threads[tid]; !ok {
			continue
		}
		if err := s.detachThread(tid); err != nil {
			console.Warning("hostdbg: detach from thread %d: %v", tid, err)
		}
		delete(s.threads, tid)
	}
	s.order = nil
}

// WaitForEvent blocks until any attached thread changes state and
// returns a typed event, or nil if the interrupt flag was set before
// blocking. Exited threads are pruned from the thread map immediately;
// threads first seen here (created after the attach sweep, delivered
// via TRACECLONE) are added to it.
func (s *DebugSession) WaitForEvent() (*Event, error) {
	if s.Interrupted() {
		return nil, nil
	}

	tid, status, err := s.waitNextStatus()
	if err != nil {
		return nil, fmt.Errorf("wait for thread status: %w", err)
	}

	thread, known := s.threads[tid]
	if !known {
		thread = &TracedThread{TID: tid}
		s.threads[tid] = thread
		s.order = append(s.order, tid)
	}
	thread.Status = int(status)

	switch {
	case status.Exited() || status.Signaled():
		delete(s.threads, tid)
		return &Event{TID: tid, Type: EventThreadExited}, nil
	case !known:
		return &Event{TID: tid, Type: EventThreadCreated}, nil
	case status.Stopped() && status.StopSignal() == unix.SIGTRAP:
		return &Event{TID: tid, Type: EventTrapped}, nil
	case status.Stopped():
		return &Event{TID: tid, Type: EventStopped, Signal: int(status.StopSignal())}, nil
	default:
		return &Event{TID: tid, Type: EventStopped}, nil
	}
}

// enumerateThreads lists the thread IDs of a process from its proc task
// directory. This is the method gdb and edb both use.
func enumerateThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("enumerate tasks of %d: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil || tid == 0 {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

func attachToThread(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		return fmt.Errorf("ptrace(PTRACE_ATTACH): %w", err)
	}

	// The thread is not usable until its attach stop is consumed.
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(tid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for attach stop: %w", err)
		}
		break
	}

	if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
		return fmt.Errorf("ptrace(PTRACE_SETOPTIONS): %w", err)
	}
	return nil
}

func detachFromThread(tid int) error {
	if err := unix.PtraceDetach(tid); err != nil {
		return fmt.Errorf("ptrace(PTRACE_DETACH): %w", err)
	}
	return nil
}

func waitAnyThread() (int, unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		tid, err := unix.Wait4(-1, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		return tid, status, err
	}
}
