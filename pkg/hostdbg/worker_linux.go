//go:build linux

package hostdbg

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/chaoticgd/vutrace/pkg/console"
)

// Callback is the body of a tracing session, invoked on the tracer side
// once every tracee thread is attached.
type Callback func(session *DebugSession, cfg WorkerConfig, arena *os.File) error

// IsTracerWorker reports whether this process was spawned by
// TracerThread.Start and should run the tracer instead of the emulator.
func IsTracerWorker() bool {
	return os.Getenv(targetEnv) != ""
}

// RunTracerWorker is the tracer child's entry point. It performs the
// startup handshake with the emulator, attaches to all of its threads,
// runs the callback, then detaches. The returned value is the process
// exit code.
func RunTracerWorker(callback Callback) int {
	tracee, err := strconv.Atoi(os.Getenv(targetEnv))
	if err != nil {
		console.Error("hostdbg: bad %s value: %v", targetEnv, err)
		return 1
	}

	control := os.NewFile(3, "vutrace-control")
	events := os.NewFile(4, "vutrace-events")
	arena := os.NewFile(5, "vutrace-arena")
	if control == nil || events == nil || arena == nil {
		console.Error("hostdbg: tracer worker started without handshake pipes")
		return 1
	}

	cfg, err := readConfig(control)
	if err != nil {
		console.Error("hostdbg: read tracer config: %v", err)
		return 1
	}

	// Watch the control pipe for the permission grant and, later, the
	// interrupt request.
	var interrupt atomic.Bool
	permission := make(chan struct{})
	go func() {
		granted := false
		var b [1]byte
		for {
			if _, err := control.Read(b[:]); err != nil {
				// The emulator is gone; stop tracing it.
				interrupt.Store(true)
				return
			}
			switch b[0] {
			case msgPermission:
				if !granted {
					granted = true
					close(permission)
				}
			case msgInterrupt:
				interrupt.Store(true)
			}
		}
	}()

	// Wait until we have permission to attach.
	<-permission

	console.WriteLn("hostdbg: tracer PID %d attaching to tracee PID %d", os.Getpid(), tracee)

	session := NewDebugSession(tracee, &interrupt)
	if err := session.Attach(); err != nil {
		console.Error("hostdbg: failed to attach: %v", err)
		reportAttachError(events, err)
		return 1
	}

	// Tell the emulator we've attached.
	if _, err := events.Write([]byte{msgAttached}); err != nil {
		console.Error("hostdbg: report attach completion: %v", err)
		session.Detach()
		return 1
	}

	code := 0
	if err := callback(session, cfg, arena); err != nil {
		console.Error("hostdbg: tracer callback: %v", err)
		code = 1
	}

	session.Detach()
	return code
}

func reportAttachError(w io.Writer, err error) {
	message := []byte(err.Error())
	buf := make([]byte, 0, 5+len(message))
	buf = append(buf, msgError)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(message)))
	buf = append(buf, message...)
	w.Write(buf)
}
