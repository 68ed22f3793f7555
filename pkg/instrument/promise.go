package instrument

import "sync"

// PromiseFlags declare what the bracketed code will not do to traced
// buffers. The recorder does not act on them yet; they exist so callers
// can annotate hot regions ahead of the decode-skipping optimization.
type PromiseFlags uint32

const (
	// NoPromises makes no claims either way.
	NoPromises PromiseFlags = 0
	// NoReads promises the thread won't read from a traced buffer.
	NoReads PromiseFlags = 1 << 1
	// NoWrites promises the thread won't write to a traced buffer.
	NoWrites PromiseFlags = 1 << 2
)

var (
	promiseMu sync.Mutex
	promises  = map[int][]PromiseFlags{}
)

// PushPromise declares flags for the current OS thread until the
// matching PopPromise.
func PushPromise(flags PromiseFlags) {
	tid := currentThreadID()
	promiseMu.Lock()
	promises[tid] = append(promises[tid], flags)
	promiseMu.Unlock()
}

// PopPromise removes the most recent promise for the current OS thread.
func PopPromise() {
	tid := currentThreadID()
	promiseMu.Lock()
	defer promiseMu.Unlock()
	stack := promises[tid]
	if len(stack) == 0 {
		panic("instrument: PopPromise without matching PushPromise")
	}
	if len(stack) == 1 {
		delete(promises, tid)
	} else {
		promises[tid] = stack[:len(stack)-1]
	}
}

// CurrentPromise returns the innermost promise for the current OS
// thread, or NoPromises.
func CurrentPromise() PromiseFlags {
	tid := currentThreadID()
	promiseMu.Lock()
	defer promiseMu.Unlock()
	if stack := promises[tid]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	return NoPromises
}
