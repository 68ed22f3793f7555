package instrument

import (
	"sync/atomic"
	"time"

	"github.com/chaoticgd/vutrace/pkg/trace"
)

// EventType identifies what a begin/end event pair brackets.
type EventType uint16

const (
	EventInstructionExecuted EventType = iota
	EventVu1MicroProgram
)

// Channel groups events by the subsystem that produced them.
type Channel uint8

const (
	ChannelCPU Channel = iota
	ChannelVU1
)

// events holds the armed packet buffer. nil means every event call is a
// no-op, which is also the permanent state on platforms without the
// trap-based recorder.
var events atomic.Pointer[trace.PacketBuffer]

// Arm routes event packets into the given buffer until Disarm.
func Arm(buffer *trace.PacketBuffer) {
	events.Store(buffer)
}

// Disarm stops event emission.
func Disarm() {
	events.Store(nil)
}

func eventPayload(event EventType, channel Channel) trace.Event {
	return trace.Event{
		Event:     uint16(event),
		Channel:   uint8(channel),
		Thread:    uint8(currentThreadID()),
		Timestamp: uint32(time.Now().UnixNano() / int64(time.Microsecond)),
		// Args are declared by the format but not yet populated.
	}
}

// BeginEvent pushes a begin-event packet on the given channel. Must be
// paired with a matching EndEvent.
func BeginEvent(event EventType, channel Channel) {
	if buffer := events.Load(); buffer != nil {
		buffer.Push(trace.BeginEvent{Event: eventPayload(event, channel)})
	}
}

// EndEvent pushes the end-event packet matching a BeginEvent.
func EndEvent(event EventType, channel Channel) {
	if buffer := events.Load(); buffer != nil {
		buffer.Push(trace.EndEvent{Event: eventPayload(event, channel)})
	}
}

// Scope pushes a begin-event packet and returns the matching end
// emitter, intended for defer:
//
//	defer instrument.Scope(event, channel)()
func Scope(event EventType, channel Channel) func() {
	BeginEvent(event, channel)
	return func() { EndEvent(event, channel) }
}
