// Package console provides the developer console used by the tracing
// subsystem. Output goes to stderr, colorized when it is a terminal.
// ptrace makes ordinary debuggers unusable on this code, so the console
// is the primary diagnostic channel.
package console

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

var (
	mu      sync.Mutex
	colored = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
)

const (
	ansiReset  = "\x1b[0m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

func writeLine(color, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if colored && color != "" {
		fmt.Fprintf(os.Stderr, color+format+ansiReset+"\n", args...)
	} else {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// WriteLn prints an informational line.
func WriteLn(format string, args ...interface{}) {
	writeLine("", format, args...)
}

// Warning prints a warning line.
func Warning(format string, args ...interface{}) {
	writeLine(ansiYellow, format, args...)
}

// Error prints an error line.
func Error(format string, args ...interface{}) {
	writeLine(ansiRed, format, args...)
}
