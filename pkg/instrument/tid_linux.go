//go:build linux

package instrument

import "golang.org/x/sys/unix"

func currentThreadID() int {
	return unix.Gettid()
}
