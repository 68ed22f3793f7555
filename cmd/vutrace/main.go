package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/chaoticgd/vutrace/pkg/config"
	"github.com/chaoticgd/vutrace/pkg/console"
	"github.com/chaoticgd/vutrace/pkg/hostdbg"
	"github.com/chaoticgd/vutrace/pkg/instrument"
	"github.com/chaoticgd/vutrace/pkg/recorder"
	"github.com/chaoticgd/vutrace/pkg/replay"
	"github.com/chaoticgd/vutrace/pkg/version"
	"github.com/chaoticgd/vutrace/pkg/vutrace"
)

// counters is a stand-in for an emulator state buffer, registered as a
// traced region so the host-level recorder has something to watch.
var counters = make([]byte, 64)

func init() {
	instrument.RegisterGlobal("demo.counters", counters)
}

func main() {
	// When re-executed as the tracer child, this process never runs the
	// demo: it attaches to its parent and traces until interrupted.
	if hostdbg.IsTracerWorker() {
		os.Exit(recorder.RunWorker())
	}

	fmt.Println(version.GetVersionInfo())

	cfg, err := config.Load("vutrace.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Capture a short synthetic VU1 session: request a trace, cross a
	// vsync boundary to start it, run a few instructions, cross another
	// boundary to finish.
	tracer := vutrace.New(cfg)
	tracer.OnTraceRequested()
	tracer.OnVsync()
	runMicroProgram(tracer)
	tracer.OnVsync()

	// Replay the capture to check it reconstructs.
	path := filepath.Join(cfg.OutputDir, "trace000000.bin")
	r, err := replay.ReplayFile(path)
	if err != nil {
		log.Fatalf("Failed to replay %s: %v", path, err)
	}
	fmt.Printf("Replayed %s: %d frames\n", path, len(r.Frames()))

	// Host-level tracing demo: single-step this process and record
	// writes to the registered counters.
	rec := recorder.New(cfg)
	if err := rec.BeginTrace(); err != nil {
		console.Warning("host-level tracing unavailable: %v", err)
		return
	}
	for i := range counters {
		counters[i]++
	}
	if err := rec.EndTrace(); err != nil {
		log.Fatalf("Failed to stop tracer: %v", err)
	}
	if err := rec.SaveTrace(cfg.ArenaPath); err != nil {
		log.Fatalf("Failed to save trace: %v", err)
	}
	defer rec.Close()
	fmt.Printf("Saved host trace to %s\n", cfg.ArenaPath)
}

// runMicroProgram drives the tracer with a few fabricated instructions.
func runMicroProgram(t *vutrace.Tracer) {
	done := instrument.Scope(instrument.EventVu1MicroProgram, instrument.ChannelVU1)
	defer done()

	var state vutrace.State
	for i := 0; i < 8; i++ {
		state.VI[1][0] = byte(i)
		state.Mem[i*4] = byte(i * 3)
		t.OnMemoryWrite(uint32(i*4), 4)
		t.OnInstructionExecuted(&state)
	}
}
