// Package replay reconstructs VU1 state from a recorded sub-trace by
// applying register and memory packets in order. It exists to verify
// captures: the state rebuilt at every frame boundary must match what
// the live tracer observed.
package replay

import (
	"fmt"

	"github.com/chaoticgd/vutrace/pkg/trace"
	"github.com/chaoticgd/vutrace/pkg/vutrace"
)

// Frame is the reconstructed state at one PushSnapshot boundary, plus
// any load/store markers attached to that frame.
type Frame struct {
	Regs   vutrace.Registers
	Mem    []byte
	Loads  []trace.MemoryOp
	Stores []trace.MemoryOp
}

// Replayer applies packets from one sub-trace against a zeroed machine.
type Replayer struct {
	packets    []trace.Packet
	currentIdx int

	regs   vutrace.Registers
	mem    [vutrace.MemSize]byte
	micro  [vutrace.MicroSize]byte
	frames []Frame
}

// NewReplayer returns a replayer positioned before the first packet.
func NewReplayer() *Replayer {
	return &Replayer{currentIdx: -1}
}

// LoadPackets loads one sub-trace's packets and resets the machine.
func (r *Replayer) LoadPackets(packets []trace.Packet) {
	r.packets = packets
	r.currentIdx = -1
	r.regs = vutrace.Registers{}
	r.mem = [vutrace.MemSize]byte{}
	r.micro = [vutrace.MicroSize]byte{}
	r.frames = nil
}

// ReplayForward applies every remaining packet, recording a frame at
// each PushSnapshot boundary.
func (r *Replayer) ReplayForward() error {
	for i := r.currentIdx + 1; i < len(r.packets); i++ {
		if err := r.apply(r.packets[i]); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		r.currentIdx = i
	}
	return nil
}

func (r *Replayer) apply(p trace.Packet) error {
	switch p := p.(type) {
	case trace.SetRegisters:
		regs, err := vutrace.DecodeRegisters(p.Regs)
		if err != nil {
			return err
		}
		r.regs = regs
	case trace.PatchRegister:
		return r.regs.SetIndexed(p.Index, vutrace.Vec(p.Value))
	case trace.SetMemory:
		if len(p.Mem) != vutrace.MemSize {
			return fmt.Errorf("memory image is %d bytes, want %d", len(p.Mem), vutrace.MemSize)
		}
		copy(r.mem[:], p.Mem)
	case trace.PatchMemory:
		if int(p.Offset)+4 > vutrace.MemSize || p.Offset%4 != 0 {
			return fmt.Errorf("memory patch offset %d out of range", p.Offset)
		}
		copy(r.mem[p.Offset:p.Offset+4], p.Value[:])
	case trace.SetInstructions:
		if len(p.Micro) != vutrace.MicroSize {
			return fmt.Errorf("micro image is %d bytes, want %d", len(p.Micro), vutrace.MicroSize)
		}
		copy(r.micro[:], p.Micro)
	case trace.PushSnapshot:
		r.frames = append(r.frames, Frame{
			Regs: r.regs,
			Mem:  append([]byte(nil), r.mem[:]...),
		})
	case trace.LoadOp:
		if len(r.frames) == 0 {
			return fmt.Errorf("load marker before first frame")
		}
		last := &r.frames[len(r.frames)-1]
		last.Loads = append(last.Loads, p.MemoryOp)
	case trace.StoreOp:
		if len(r.frames) == 0 {
			return fmt.Errorf("store marker before first frame")
		}
		last := &r.frames[len(r.frames)-1]
		last.Stores = append(last.Stores, p.MemoryOp)
	case trace.SaveState, trace.BeginEvent, trace.EndEvent, trace.WriteDelta:
		// Host-side packets carry no emulated machine state.
	default:
		return fmt.Errorf("unexpected packet type %s", p.Type())
	}
	return nil
}

// CurrentIndex returns the index of the last applied packet.
func (r *Replayer) CurrentIndex() int {
	return r.currentIdx
}

// Frames returns the frames reconstructed so far.
func (r *Replayer) Frames() []Frame {
	return r.frames
}

// Micro returns the micro memory image from the sub-trace.
func (r *Replayer) Micro() []byte {
	return r.micro[:]
}

// ReplayFile loads a sub-trace file and replays it to the end.
func ReplayFile(path string) (*Replayer, error) {
	reader, err := trace.OpenReader(path)
	if err != nil {
		return nil, err
	}
	packets, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	r := NewReplayer()
	r.LoadPackets(packets)
	if err := r.ReplayForward(); err != nil {
		return nil, err
	}
	return r, nil
}
