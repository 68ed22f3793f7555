//go:build linux

package hostdbg

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Supported reports whether the host attach mechanism exists on this
// platform.
const Supported = true

const targetEnv = "VUTRACE_TRACER_TARGET"

// Control bytes sent from the emulator to the tracer child.
const (
	msgPermission = 'P'
	msgInterrupt  = 'I'
)

// Status bytes sent from the tracer child to the emulator.
const (
	msgAttached = 'A'
	msgError    = 'E'
)

// WorkerConfig is everything the tracer child needs to run a session.
type WorkerConfig struct {
	// RegionTable is the serialized traced-region table; base addresses
	// are valid in the tracee and read through ptrace.
	RegionTable []byte `json:"region_table"`

	// InstructionBudget ends the session after this many instructions.
	InstructionBudget uint64 `json:"instruction_budget"`

	// ProgressInterval controls progress logging, in instructions.
	ProgressInterval uint64 `json:"progress_interval"`

	// ArenaPath receives the packet arena if the child ends the session
	// itself (budget exhaustion).
	ArenaPath string `json:"arena_path"`
}

// TracerThread manages the out-of-process tracer. It fills the role of
// the clone-into-a-new-thread-group trick: a sibling that shares the
// packet arena (via a shared mapping) and may ptrace our threads.
type TracerThread struct {
	started bool
	cmd     *exec.Cmd
	control *os.File
	events  *os.File
}

// Start spawns the tracer child and blocks until it has attached to
// every thread of this process. The arena file is inherited by the
// child and mapped shared on both sides. Fails if already started, if
// the Yama ptrace policy forbids self-attach, or if the child cannot be
// spawned or fails to attach.
func (t *TracerThread) Start(cfg WorkerConfig, arena *os.File) error {
	if t.started {
		return fmt.Errorf("tracer thread already started")
	}

	if err := checkPtraceScope(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}

	controlRead, controlWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create control pipe: %w", err)
	}
	eventsRead, eventsWrite, err := os.Pipe()
	if err != nil {
		controlRead.Close()
		controlWrite.Close()
		return fmt.Errorf("create events pipe: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", targetEnv, os.Getpid()))
	cmd.ExtraFiles = []*os.File{controlRead, eventsWrite, arena}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		controlRead.Close()
		controlWrite.Close()
		eventsRead.Close()
		eventsWrite.Close()
		return fmt.Errorf("spawn tracer: %w", err)
	}
	controlRead.Close()
	eventsWrite.Close()

	fail := func(err error) error {
		controlWrite.Close()
		eventsRead.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}

	if err := writeConfig(controlWrite, cfg); err != nil {
		return fail(fmt.Errorf("send tracer config: %w", err))
	}

	// Give the child permission to attach. This matters when
	// ptrace_scope is 1: the child is not our ancestor, so it needs an
	// explicit grant.
	if err := unix.Prctl(unix.PR_SET_PTRACER, uintptr(cmd.Process.Pid), 0, 0, 0); err != nil {
		return fail(fmt.Errorf("prctl(PR_SET_PTRACER): %w", err))
	}

	// Tell the child it has permission to attach.
	if _, err := controlWrite.Write([]byte{msgPermission}); err != nil {
		return fail(fmt.Errorf("grant attach permission: %w", err))
	}

	// Wait until the child has attached to all of our threads.
	if err := readAttachStatus(eventsRead); err != nil {
		return fail(err)
	}

	t.started = true
	t.cmd = cmd
	t.control = controlWrite
	t.events = eventsRead
	return nil
}

// Stop interrupts the tracer child and blocks until it exits. Calling
// Stop on a tracer that was never started is a programming error.
func (t *TracerThread) Stop() error {
	if !t.started {
		panic("hostdbg: Stop called on a tracer that was not started")
	}
	t.started = false

	// Tell the tracer to exit. The flag is observed at the next wait
	// cycle boundary; a detached write failure means it already died.
	t.control.Write([]byte{msgInterrupt})

	err := t.cmd.Wait()
	t.control.Close()
	t.events.Close()
	if err != nil {
		return fmt.Errorf("tracer exited abnormally: %w", err)
	}
	return nil
}

// Started reports whether the tracer child is running.
func (t *TracerThread) Started() bool {
	return t.started
}

// checkPtraceScope fails early if the Yama policy would make the
// child's attach calls fail anyway.
func checkPtraceScope() error {
	data, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
	if err != nil {
		// No Yama, no restriction.
		return nil
	}
	scope, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || scope <= 1 {
		return nil
	}
	return fmt.Errorf("this process doesn't have permission to attach to itself with ptrace "+
		"(kernel.yama.ptrace_scope = %d); try running: echo 1 | sudo tee /proc/sys/kernel/yama/ptrace_scope", scope)
}

func writeConfig(w io.Writer, cfg WorkerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readConfig(r io.Reader) (WorkerConfig, error) {
	var cfg WorkerConfig
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return cfg, err
	}
	data := make([]byte, binary.LittleEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return cfg, err
	}
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

func readAttachStatus(r io.Reader) error {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return fmt.Errorf("tracer died before attaching: %w", err)
	}
	if kind[0] == msgAttached {
		return nil
	}
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return fmt.Errorf("tracer reported an attach failure")
	}
	message := make([]byte, binary.LittleEndian.Uint32(length[:]))
	io.ReadFull(r, message)
	return fmt.Errorf("tracer failed to attach: %s", message)
}
