// Package debugger attaches a Delve headless session to the emulator
// process for source-level diagnosis of the tracer itself. It is a
// development aid, entirely separate from the trap-based recorder: the
// two cannot run at the same time, since a process has room for only
// one ptrace tracer.
package debugger

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// DelveInspector wraps a Delve RPC client attached to a running
// process, managing the underlying dlv command.
type DelveInspector struct {
	client *rpc2.RPCClient
	pid    int
	dlvCmd *exec.Cmd
	listen string
}

// findFreePort finds an available TCP port on localhost.
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Attach launches a headless Delve server attached to pid and connects
// to it over RPC. The dlv executable must be in PATH.
func Attach(pid int) (*DelveInspector, error) {
	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("find free port for delve: %w", err)
	}
	listen := "localhost:" + strconv.Itoa(port)

	dlvCmd := exec.Command("dlv",
		"attach", strconv.Itoa(pid),
		"--headless",
		"--listen="+listen,
		"--api-version=2",
		"--accept-multiclient",
	)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		return nil, fmt.Errorf("start delve: %w", err)
	}

	// Give the server a moment to come up before connecting.
	time.Sleep(1000 * time.Millisecond)

	client := rpc2.NewClient(listen)
	if _, err := client.GetState(); err != nil {
		dlvCmd.Process.Kill()
		dlvCmd.Process.Wait()
		return nil, fmt.Errorf("connect to delve at %s: %w", listen, err)
	}

	return &DelveInspector{
		client: client,
		pid:    pid,
		dlvCmd: dlvCmd,
		listen: listen,
	}, nil
}

// State returns the current state of the attached process.
func (d *DelveInspector) State() (*api.DebuggerState, error) {
	return d.client.GetState()
}

// Goroutines lists the goroutines of the attached process.
func (d *DelveInspector) Goroutines() ([]*api.Goroutine, error) {
	gs, _, err := d.client.ListGoroutines(0, 0)
	return gs, err
}

// Halt stops the attached process.
func (d *DelveInspector) Halt() error {
	_, err := d.client.Halt()
	return err
}

// Detach resumes the process, disconnects, and reaps the dlv command.
func (d *DelveInspector) Detach() error {
	err := d.client.Detach(false)
	if d.dlvCmd != nil {
		d.dlvCmd.Wait()
	}
	return err
}
