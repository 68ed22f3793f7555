//go:build !linux

package instrument

// Thread identity is only needed for packet attribution, which the
// trap-based recorder can't run here anyway.
func currentThreadID() int {
	return 0
}
