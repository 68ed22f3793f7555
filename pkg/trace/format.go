package trace

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the 16-bit tag identifying a packet's payload layout.
type PacketType uint16

const (
	PacketInvalid PacketType = iota
	PacketSaveState
	PacketBeginEvent
	PacketEndEvent
	PacketWriteDelta
	PacketPushSnapshot
	PacketSetRegisters
	PacketPatchRegister
	PacketSetMemory
	PacketPatchMemory
	PacketLoadOp
	PacketStoreOp
	PacketSetInstructions
)

// String returns the string representation of the PacketType
func (pt PacketType) String() string {
	switch pt {
	case PacketSaveState:
		return "SaveState"
	case PacketBeginEvent:
		return "BeginEvent"
	case PacketEndEvent:
		return "EndEvent"
	case PacketWriteDelta:
		return "WriteDelta"
	case PacketPushSnapshot:
		return "PushSnapshot"
	case PacketSetRegisters:
		return "SetRegisters"
	case PacketPatchRegister:
		return "PatchRegister"
	case PacketSetMemory:
		return "SetMemory"
	case PacketPatchMemory:
		return "PatchMemory"
	case PacketLoadOp:
		return "LoadOp"
	case PacketStoreOp:
		return "StoreOp"
	case PacketSetInstructions:
		return "SetInstructions"
	default:
		return "Invalid"
	}
}

// Trace file header: 4 bytes ASCII magic followed by a little-endian
// format version.
const (
	Magic         = "VUTR"
	FormatVersion = 3

	// HeaderSize is the size of the file header in bytes.
	HeaderSize = 8

	// PacketHeaderSize is the size of the per-packet header: u16 type
	// plus u32 payload length.
	PacketHeaderSize = 6
)

// Packet is the decoded form of one trace packet. Payload layouts are
// defined per type in the wire format; offsets into a trace buffer are
// always 4-byte aligned.
type Packet interface {
	Type() PacketType
	appendPayload(dst []byte) []byte
}

// SaveState carries a full snapshot of every registered traced region,
// flattened into the blob address space.
type SaveState struct {
	Blob []byte
}

func (p SaveState) Type() PacketType { return PacketSaveState }

func (p SaveState) appendPayload(dst []byte) []byte {
	return append(dst, p.Blob...)
}

// Event is the shared payload of BeginEvent and EndEvent packets. Args is
// declared in the format but not yet populated by any emitter.
type Event struct {
	Event     uint16
	Channel   uint8
	Thread    uint8
	Timestamp uint32
	Args      []uint32
}

func (p Event) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, p.Event)
	dst = append(dst, p.Channel, p.Thread)
	dst = binary.LittleEndian.AppendUint32(dst, p.Timestamp)
	for _, arg := range p.Args {
		dst = binary.LittleEndian.AppendUint32(dst, arg)
	}
	return dst
}

type BeginEvent struct{ Event }

func (p BeginEvent) Type() PacketType { return PacketBeginEvent }

type EndEvent struct{ Event }

func (p EndEvent) Type() PacketType { return PacketEndEvent }

// WriteDelta records a confirmed write to a traced region: the flattened
// blob offset plus the byte values observed before and after the
// instruction that performed the write.
type WriteDelta struct {
	Offset uint32
	Old    uint64
	New    uint64
}

func (p WriteDelta) Type() PacketType { return PacketWriteDelta }

func (p WriteDelta) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.Offset)
	dst = binary.LittleEndian.AppendUint64(dst, p.Old)
	return binary.LittleEndian.AppendUint64(dst, p.New)
}

// PushSnapshot delimits one frame of changes, flushed once per
// instrumented instruction and on session end.
type PushSnapshot struct{}

func (p PushSnapshot) Type() PacketType { return PacketPushSnapshot }

func (p PushSnapshot) appendPayload(dst []byte) []byte { return dst }

// SetRegisters carries the full vector-unit register file.
type SetRegisters struct {
	Regs []byte
}

func (p SetRegisters) Type() PacketType { return PacketSetRegisters }

func (p SetRegisters) appendPayload(dst []byte) []byte {
	return append(dst, p.Regs...)
}

// PatchRegister carries a single 128-bit register value. Index 0-31 is
// VF, 32-63 is VI, 64 is ACC, 65 is Q, 66 is P.
type PatchRegister struct {
	Index uint8
	Value [16]byte
}

func (p PatchRegister) Type() PacketType { return PacketPatchRegister }

func (p PatchRegister) appendPayload(dst []byte) []byte {
	dst = append(dst, p.Index)
	return append(dst, p.Value[:]...)
}

// SetMemory carries the full scratchpad memory image.
type SetMemory struct {
	Mem []byte
}

func (p SetMemory) Type() PacketType { return PacketSetMemory }

func (p SetMemory) appendPayload(dst []byte) []byte {
	return append(dst, p.Mem...)
}

// PatchMemory carries one changed 4-byte word of scratchpad memory.
type PatchMemory struct {
	Offset uint32
	Value  [4]byte
}

func (p PatchMemory) Type() PacketType { return PacketPatchMemory }

func (p PatchMemory) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.Offset)
	return append(dst, p.Value[:]...)
}

// MemoryOp is the shared payload of LoadOp and StoreOp markers, sourced
// from the emulated machine's own memory-access hooks.
type MemoryOp struct {
	Addr uint32
	Size uint32
}

func (p MemoryOp) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.Addr)
	return binary.LittleEndian.AppendUint32(dst, p.Size)
}

type LoadOp struct{ MemoryOp }

func (p LoadOp) Type() PacketType { return PacketLoadOp }

type StoreOp struct{ MemoryOp }

func (p StoreOp) Type() PacketType { return PacketStoreOp }

// SetInstructions carries the micro memory image, written once per
// sub-trace.
type SetInstructions struct {
	Micro []byte
}

func (p SetInstructions) Type() PacketType { return PacketSetInstructions }

func (p SetInstructions) appendPayload(dst []byte) []byte {
	return append(dst, p.Micro...)
}

// AppendPacket encodes a packet in wire form: u16 type, u32 payload
// length, payload bytes, then zero padding to the next 4-byte boundary.
func AppendPacket(dst []byte, p Packet) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.Type()))
	lengthAt := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	payloadAt := len(dst)
	dst = p.appendPayload(dst)
	binary.LittleEndian.PutUint32(dst[lengthAt:], uint32(len(dst)-payloadAt))
	for len(dst)%4 != 0 {
		dst = append(dst, 0)
	}
	return dst
}

// DecodePacket decodes the packet at the start of buf and returns it
// along with the number of bytes consumed, padding included.
func DecodePacket(buf []byte) (Packet, int, error) {
	if len(buf) < PacketHeaderSize {
		return nil, 0, fmt.Errorf("truncated packet header: %d bytes", len(buf))
	}
	pt := PacketType(binary.LittleEndian.Uint16(buf))
	length := binary.LittleEndian.Uint32(buf[2:])
	end := PacketHeaderSize + int(length)
	if end > len(buf) {
		return nil, 0, fmt.Errorf("truncated %s payload: want %d bytes, have %d", pt, length, len(buf)-PacketHeaderSize)
	}
	payload := buf[PacketHeaderSize:end]
	consumed := (end + 3) &^ 3
	if consumed > len(buf) {
		consumed = len(buf)
	}

	p, err := decodePayload(pt, payload)
	if err != nil {
		return nil, 0, err
	}
	return p, consumed, nil
}

func decodePayload(pt PacketType, payload []byte) (Packet, error) {
	switch pt {
	case PacketSaveState:
		return SaveState{Blob: append([]byte(nil), payload...)}, nil
	case PacketBeginEvent:
		ev, err := decodeEvent(payload)
		return BeginEvent{ev}, err
	case PacketEndEvent:
		ev, err := decodeEvent(payload)
		return EndEvent{ev}, err
	case PacketWriteDelta:
		if len(payload) != 20 {
			return nil, fmt.Errorf("WriteDelta payload is %d bytes, want 20", len(payload))
		}
		return WriteDelta{
			Offset: binary.LittleEndian.Uint32(payload),
			Old:    binary.LittleEndian.Uint64(payload[4:]),
			New:    binary.LittleEndian.Uint64(payload[12:]),
		}, nil
	case PacketPushSnapshot:
		if len(payload) != 0 {
			return nil, fmt.Errorf("PushSnapshot payload is %d bytes, want 0", len(payload))
		}
		return PushSnapshot{}, nil
	case PacketSetRegisters:
		return SetRegisters{Regs: append([]byte(nil), payload...)}, nil
	case PacketPatchRegister:
		if len(payload) != 17 {
			return nil, fmt.Errorf("PatchRegister payload is %d bytes, want 17", len(payload))
		}
		p := PatchRegister{Index: payload[0]}
		copy(p.Value[:], payload[1:])
		return p, nil
	case PacketSetMemory:
		return SetMemory{Mem: append([]byte(nil), payload...)}, nil
	case PacketPatchMemory:
		if len(payload) != 8 {
			return nil, fmt.Errorf("PatchMemory payload is %d bytes, want 8", len(payload))
		}
		p := PatchMemory{Offset: binary.LittleEndian.Uint32(payload)}
		copy(p.Value[:], payload[4:])
		return p, nil
	case PacketLoadOp:
		op, err := decodeMemoryOp(payload)
		return LoadOp{op}, err
	case PacketStoreOp:
		op, err := decodeMemoryOp(payload)
		return StoreOp{op}, err
	case PacketSetInstructions:
		return SetInstructions{Micro: append([]byte(nil), payload...)}, nil
	default:
		return nil, fmt.Errorf("unknown packet type %d", uint16(pt))
	}
}

func decodeEvent(payload []byte) (Event, error) {
	if len(payload) < 8 || len(payload)%4 != 0 {
		return Event{}, fmt.Errorf("event payload is %d bytes, want 8+4n", len(payload))
	}
	ev := Event{
		Event:     binary.LittleEndian.Uint16(payload),
		Channel:   payload[2],
		Thread:    payload[3],
		Timestamp: binary.LittleEndian.Uint32(payload[4:]),
	}
	for at := 8; at < len(payload); at += 4 {
		ev.Args = append(ev.Args, binary.LittleEndian.Uint32(payload[at:]))
	}
	return ev, nil
}

func decodeMemoryOp(payload []byte) (MemoryOp, error) {
	if len(payload) != 8 {
		return MemoryOp{}, fmt.Errorf("memory op payload is %d bytes, want 8", len(payload))
	}
	return MemoryOp{
		Addr: binary.LittleEndian.Uint32(payload),
		Size: binary.LittleEndian.Uint32(payload[4:]),
	}, nil
}
