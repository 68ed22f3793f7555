//go:build linux

package hostdbg

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"
)

func stopStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig)<<8 | 0x7f)
}

func newFakeSession(interrupt *atomic.Bool) *DebugSession {
	s := NewDebugSession(42, interrupt)
	s.attachThread = func(tid int) error { return nil }
	s.detachThread = func(tid int) error { return nil }
	return s
}

func TestAttachConvergesOnNewThreads(t *testing.T) {
	s := newFakeSession(nil)

	// A thread appears between the first sweep and the second: the
	// attach loop must keep sweeping until a pass finds nothing new.
	sweeps := 0
	s.listThreads = func(pid int) ([]int, error) {
		if pid != 42 {
			t.Fatalf("enumerated pid %d, want 42", pid)
		}
		sweeps++
		if sweeps == 1 {
			return []int{100, 101}, nil
		}
		return []int{100, 101, 102}, nil
	}

	var attached []int
	s.attachThread = func(tid int) error {
		attached = append(attached, tid)
		return nil
	}

	if err := s.Attach(); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	if sweeps != 3 {
		t.Errorf("attach took %d sweeps, want 3", sweeps)
	}
	if len(attached) != 3 || attached[0] != 100 || attached[1] != 101 || attached[2] != 102 {
		t.Errorf("attached to %v, want [100 101 102]", attached)
	}
	if len(s.Threads()) != 3 {
		t.Errorf("session tracks %d threads, want 3", len(s.Threads()))
	}
}

func TestDetachReversesAttachOrder(t *testing.T) {
	s := newFakeSession(nil)
	s.listThreads = func(pid int) ([]int, error) { return []int{1, 2, 3}, nil }

	var detached []int
	s.detachThread = func(tid int) error {
		detached = append(detached, tid)
		return nil
	}

	if err := s.Attach(); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	s.Detach()

	if len(detached) != 3 || detached[0] != 3 || detached[1] != 2 || detached[2] != 1 {
		t.Errorf("detached in order %v, want [3 2 1]", detached)
	}
	if len(s.Threads()) != 0 {
		t.Errorf("session still tracks %d threads after detach", len(s.Threads()))
	}
}

func TestWaitForEventTyping(t *testing.T) {
	s := newFakeSession(nil)
	s.listThreads = func(pid int) ([]int, error) { return []int{10}, nil }
	if err := s.Attach(); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}

	next := make(chan struct {
		tid    int
		status unix.WaitStatus
	}, 4)
	s.waitNextStatus = func() (int, unix.WaitStatus, error) {
		w := <-next
		return w.tid, w.status, nil
	}
	push := func(tid int, status unix.WaitStatus) {
		next <- struct {
			tid    int
			status unix.WaitStatus
		}{tid, status}
	}

	// A single-step trap.
	push(10, stopStatus(unix.SIGTRAP))
	event, err := s.WaitForEvent()
	if err != nil || event == nil {
		t.Fatalf("WaitForEvent returned %v, %v", event, err)
	}
	if event.Type != EventTrapped || event.TID != 10 {
		t.Errorf("got event %+v, want a trap on thread 10", event)
	}

	// A foreign signal must be surfaced for reinjection.
	push(10, stopStatus(unix.SIGUSR1))
	event, err = s.WaitForEvent()
	if err != nil || event == nil {
		t.Fatalf("WaitForEvent returned %v, %v", event, err)
	}
	if event.Type != EventStopped || event.Signal != int(unix.SIGUSR1) {
		t.Errorf("got event %+v, want a SIGUSR1 stop", event)
	}

	// A thread first seen here was picked up through TRACECLONE.
	push(11, stopStatus(unix.SIGSTOP))
	event, err = s.WaitForEvent()
	if err != nil || event == nil {
		t.Fatalf("WaitForEvent returned %v, %v", event, err)
	}
	if event.Type != EventThreadCreated || event.TID != 11 {
		t.Errorf("got event %+v, want thread 11 created", event)
	}
	if s.Thread(11) == nil {
		t.Error("new thread was not added to the session")
	}

	// An exit prunes the thread immediately.
	push(11, unix.WaitStatus(0))
	event, err = s.WaitForEvent()
	if err != nil || event == nil {
		t.Fatalf("WaitForEvent returned %v, %v", event, err)
	}
	if event.Type != EventThreadExited || event.TID != 11 {
		t.Errorf("got event %+v, want thread 11 exited", event)
	}
	if s.Thread(11) != nil {
		t.Error("exited thread was not pruned from the session")
	}
}

func TestWaitForEventHonorsInterrupt(t *testing.T) {
	var interrupt atomic.Bool
	s := newFakeSession(&interrupt)
	s.waitNextStatus = func() (int, unix.WaitStatus, error) {
		t.Fatal("WaitForEvent blocked despite the interrupt flag")
		return 0, 0, nil
	}

	interrupt.Store(true)
	event, err := s.WaitForEvent()
	if err != nil {
		t.Fatalf("WaitForEvent returned error: %v", err)
	}
	if event != nil {
		t.Errorf("got event %+v, want nil after interrupt", event)
	}
}
