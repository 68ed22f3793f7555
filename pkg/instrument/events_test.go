package instrument

import (
	"runtime"
	"testing"

	"github.com/chaoticgd/vutrace/pkg/trace"
)

func TestEventEmission(t *testing.T) {
	buf := trace.NewPacketBuffer(1024)
	Arm(buf)
	defer Disarm()

	BeginEvent(EventVu1MicroProgram, ChannelVU1)
	EndEvent(EventVu1MicroProgram, ChannelVU1)

	packets, err := trace.DecodeBuffer(buf.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode buffer: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("decoded %d packets, want 2", len(packets))
	}

	begin, ok := packets[0].(trace.BeginEvent)
	if !ok {
		t.Fatalf("first packet is %s, want BeginEvent", packets[0].Type())
	}
	if begin.Event.Event != uint16(EventVu1MicroProgram) || begin.Channel != uint8(ChannelVU1) {
		t.Errorf("begin event carries %d/%d, want %d/%d",
			begin.Event.Event, begin.Channel, EventVu1MicroProgram, ChannelVU1)
	}
	if _, ok := packets[1].(trace.EndEvent); !ok {
		t.Fatalf("second packet is %s, want EndEvent", packets[1].Type())
	}
}

func TestEventsDisarmedAreNoOps(t *testing.T) {
	buf := trace.NewPacketBuffer(1024)
	Arm(buf)
	Disarm()

	BeginEvent(EventInstructionExecuted, ChannelCPU)
	EndEvent(EventInstructionExecuted, ChannelCPU)

	if buf.Used() != 0 {
		t.Errorf("disarmed events wrote %d bytes", buf.Used())
	}
}

func TestScope(t *testing.T) {
	buf := trace.NewPacketBuffer(1024)
	Arm(buf)
	defer Disarm()

	done := Scope(EventVu1MicroProgram, ChannelVU1)
	done()

	packets, err := trace.DecodeBuffer(buf.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode buffer: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("decoded %d packets, want 2", len(packets))
	}
}

func TestPromiseStack(t *testing.T) {
	// Promises are keyed by OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if CurrentPromise() != NoPromises {
		t.Fatalf("got promise %d with an empty stack", CurrentPromise())
	}

	PushPromise(NoWrites)
	PushPromise(NoReads | NoWrites)
	if CurrentPromise() != NoReads|NoWrites {
		t.Errorf("got promise %d, want %d", CurrentPromise(), NoReads|NoWrites)
	}
	PopPromise()
	if CurrentPromise() != NoWrites {
		t.Errorf("got promise %d after pop, want %d", CurrentPromise(), NoWrites)
	}
	PopPromise()
	if CurrentPromise() != NoPromises {
		t.Errorf("got promise %d after popping everything", CurrentPromise())
	}
}

func TestUnmatchedPopPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on PopPromise without a push")
		}
	}()
	PopPromise()
}
