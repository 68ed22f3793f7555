package replay

import (
	"path/filepath"
	"testing"

	"github.com/chaoticgd/vutrace/pkg/config"
	"github.com/chaoticgd/vutrace/pkg/instrument"
	"github.com/chaoticgd/vutrace/pkg/trace"
	"github.com/chaoticgd/vutrace/pkg/vutrace"
)

// recordTrace captures a short synthetic session and returns the path
// of its first sub-trace.
func recordTrace(t *testing.T, drive func(*vutrace.Tracer)) string {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()

	registry := &instrument.Registry{}
	registry.Register("test.region", make([]byte, 16))
	tracer := vutrace.NewWithRegistry(cfg, registry)

	tracer.OnTraceRequested()
	tracer.OnVsync()
	drive(tracer)
	tracer.OnVsync()
	return filepath.Join(cfg.OutputDir, "trace000000.bin")
}

func TestReplayReconstructsState(t *testing.T) {
	var final vutrace.State
	path := recordTrace(t, func(tracer *vutrace.Tracer) {
		var state vutrace.State
		state.Micro[0] = 0x60 // something recognizable in micro memory

		for i := 0; i < 4; i++ {
			state.VF[2][0] = byte(i + 1)
			state.VI[5][0] = byte(i * 2)
			state.Mem[i*4] = byte(0xf0 + i)
			tracer.OnMemoryWrite(uint32(i*4), 4)
			tracer.OnInstructionExecuted(&state)
		}
		final = state
	})

	r, err := ReplayFile(path)
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}

	frames := r.Frames()
	if len(frames) != 4 {
		t.Fatalf("replayed %d frames, want 4", len(frames))
	}

	last := frames[len(frames)-1]
	if last.Regs != final.Registers {
		t.Error("final frame registers do not match the recorded state")
	}
	for i := 0; i < 4; i++ {
		if last.Mem[i*4] != final.Mem[i*4] {
			t.Errorf("memory word %d is %#x, want %#x", i, last.Mem[i*4], final.Mem[i*4])
		}
	}
	if r.Micro()[0] != 0x60 {
		t.Error("micro memory was not reconstructed")
	}

	// Each frame carries exactly the store marker recorded with it.
	for i, frame := range frames {
		if len(frame.Stores) != 1 {
			t.Fatalf("frame %d has %d store markers, want 1", i, len(frame.Stores))
		}
		if frame.Stores[0].Addr != uint32(i*4) {
			t.Errorf("frame %d store at %#x, want %#x", i, frame.Stores[0].Addr, i*4)
		}
	}

	// Intermediate frames must reflect intermediate values, not the end
	// state.
	if frames[0].Regs.VF[2][0] != 1 {
		t.Errorf("first frame VF[2] is %d, want 1", frames[0].Regs.VF[2][0])
	}
}

func TestReplayRejectsOrphanMarkers(t *testing.T) {
	r := NewReplayer()
	r.LoadPackets([]trace.Packet{
		trace.LoadOp{MemoryOp: trace.MemoryOp{Addr: 0, Size: 4}},
	})
	if err := r.ReplayForward(); err == nil {
		t.Error("expected an error for a load marker before the first frame")
	}
}

func TestReplayRejectsBadImages(t *testing.T) {
	r := NewReplayer()
	r.LoadPackets([]trace.Packet{trace.SetMemory{Mem: make([]byte, 100)}})
	if err := r.ReplayForward(); err == nil {
		t.Error("expected an error for a short memory image")
	}

	r.LoadPackets([]trace.Packet{trace.PatchMemory{Offset: vutrace.MemSize}})
	if err := r.ReplayForward(); err == nil {
		t.Error("expected an error for an out-of-range memory patch")
	}

	r.LoadPackets([]trace.Packet{trace.PatchRegister{Index: 200}})
	if err := r.ReplayForward(); err == nil {
		t.Error("expected an error for an out-of-range register index")
	}
}

func TestReplayIgnoresHostPackets(t *testing.T) {
	r := NewReplayer()
	r.LoadPackets([]trace.Packet{
		trace.SaveState{Blob: []byte{1, 2, 3}},
		trace.WriteDelta{Offset: 0, Old: 1, New: 2},
		trace.PushSnapshot{},
	})
	if err := r.ReplayForward(); err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if len(r.Frames()) != 1 {
		t.Errorf("replayed %d frames, want 1", len(r.Frames()))
	}
}
