package vutrace

import "fmt"

// Sizes of the VU1 state exposed to the tracer by the execution core.
const (
	// MemSize is the VU1 scratchpad data memory size.
	MemSize = 16 * 1024
	// MicroSize is the VU1 micro instruction memory size.
	MicroSize = 16 * 1024

	numVF = 32
	numVI = 32

	// Register indices used by PatchRegister packets: 0-31 VF, 32-63 VI,
	// then the special registers.
	regIndexACC = 64
	regIndexQ   = 65
	regIndexP   = 66

	// RegisterBlobSize is the encoded size of a full register snapshot.
	RegisterBlobSize = (numVF + numVI + 3) * 16
)

// Vec is one 128-bit vector-unit register value.
type Vec [16]byte

// Registers is the VU1 register file as captured per instruction: 32
// float vector registers, 32 integer registers (stored full-width), the
// accumulator and the Q/P special registers.
type Registers struct {
	VF  [numVF]Vec
	VI  [numVI]Vec
	ACC Vec
	Q   Vec
	P   Vec
}

// appendBlob encodes the register file in SET_REGISTERS payload order.
func (r *Registers) appendBlob(dst []byte) []byte {
	for i := range r.VF {
		dst = append(dst, r.VF[i][:]...)
	}
	for i := range r.VI {
		dst = append(dst, r.VI[i][:]...)
	}
	dst = append(dst, r.ACC[:]...)
	dst = append(dst, r.Q[:]...)
	return append(dst, r.P[:]...)
}

// DecodeRegisters parses a SET_REGISTERS payload.
func DecodeRegisters(blob []byte) (Registers, error) {
	var r Registers
	if len(blob) != RegisterBlobSize {
		return r, fmt.Errorf("register blob is %d bytes, want %d", len(blob), RegisterBlobSize)
	}
	at := 0
	next := func() (v Vec) {
		copy(v[:], blob[at:])
		at += 16
		return v
	}
	for i := range r.VF {
		r.VF[i] = next()
	}
	for i := range r.VI {
		r.VI[i] = next()
	}
	r.ACC = next()
	r.Q = next()
	r.P = next()
	return r, nil
}

// SetIndexed applies a PATCH_REGISTER value by packet register index.
func (r *Registers) SetIndexed(index uint8, value Vec) error {
	switch {
	case index < numVF:
		r.VF[index] = value
	case index < numVF+numVI:
		r.VI[index-numVF] = value
	case index == regIndexACC:
		r.ACC = value
	case index == regIndexQ:
		r.Q = value
	case index == regIndexP:
		r.P = value
	default:
		return fmt.Errorf("register index %d out of range", index)
	}
	return nil
}

// State is the full VU1 state handed to OnInstructionExecuted. The
// execution core owns it; the tracer only reads.
type State struct {
	Registers
	Mem   [MemSize]byte
	Micro [MicroSize]byte
}
