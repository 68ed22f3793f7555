package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/klauspost/compress/zstd"
)

// BufferReserve is the area at the start of a packet buffer's backing
// storage holding the shared allocation cursor. Keeping the cursor inside
// the storage lets a memory-mapped buffer share it across processes.
const BufferReserve = 64

// PacketBuffer hands out non-overlapping, 4-byte-aligned ranges of a
// pre-allocated arena to concurrent writers. Allocation is a lock-free
// bump of a single atomic offset; the arena is sized generously up front
// and overflow is fatal rather than recoverable.
type PacketBuffer struct {
	mem []byte
	top *atomic.Uint32
}

// NewPacketBuffer returns a heap-backed packet buffer with the given
// arena capacity.
func NewPacketBuffer(size uint32) *PacketBuffer {
	return newPacketBuffer(make([]byte, BufferReserve+size))
}

func newPacketBuffer(mem []byte) *PacketBuffer {
	return &PacketBuffer{mem: mem, top: cursorOf(mem)}
}

// cursorOf aliases the allocation cursor with the first word of the
// backing storage, so that a MAP_SHARED arena shares it between the
// emulator process and the tracer child.
func cursorOf(mem []byte) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&mem[0]))
}

// Allocate reserves space for one packet with the given payload size and
// returns the payload region. The packet header (type tag plus payload
// length) is written at the reserved offset before the payload slice is
// handed back. Size zero is legal and reserves just the header.
//
// Aborts the process if the arena is exhausted: continuing would corrupt
// previously written packets.
func (b *PacketBuffer) Allocate(pt PacketType, size uint32) []byte {
	total := uint32(PacketHeaderSize) + size

	var offset, aligned uint32
	for {
		offset = b.top.Load()
		aligned = (offset + 3) &^ 3
		if b.top.CompareAndSwap(offset, aligned+total) {
			break
		}
	}

	if int(aligned)+int(total) > len(b.mem)-BufferReserve {
		panic(fmt.Sprintf("trace: packet buffer overflow (%d of %d bytes used)",
			aligned+total, len(b.mem)-BufferReserve))
	}

	at := BufferReserve + int(aligned)
	binary.LittleEndian.PutUint16(b.mem[at:], uint16(pt))
	binary.LittleEndian.PutUint32(b.mem[at+2:], size)
	return b.mem[at+PacketHeaderSize : at+int(total) : at+int(total)]
}

// Push encodes a whole packet into a freshly allocated range.
func (b *PacketBuffer) Push(p Packet) {
	payload := p.appendPayload(nil)
	copy(b.Allocate(p.Type(), uint32(len(payload))), payload)
}

// Used returns the number of arena bytes consumed so far.
func (b *PacketBuffer) Used() uint32 {
	used := b.top.Load()
	if int(used) > len(b.mem)-BufferReserve {
		used = uint32(len(b.mem) - BufferReserve)
	}
	return used
}

// Bytes returns the written portion of the arena.
func (b *PacketBuffer) Bytes() []byte {
	return b.mem[BufferReserve : BufferReserve+int(b.Used())]
}

// Save writes the consumed portion of the arena as a zstd stream.
func (b *PacketBuffer) Save(w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := zw.Write(b.Bytes()); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// LoadBuffer decompresses a buffer image previously written by Save.
func LoadBuffer(r io.Reader) ([]byte, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// DecodeBuffer decodes every packet in a raw arena image.
func DecodeBuffer(data []byte) ([]Packet, error) {
	var packets []Packet
	for at := 0; at < len(data); {
		// Skip alignment padding between packets.
		aligned := (at + 3) &^ 3
		if aligned >= len(data) {
			break
		}
		p, n, err := DecodePacket(data[aligned:])
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
		at = aligned + n
	}
	return packets, nil
}
