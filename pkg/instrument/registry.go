// Package instrument is the marking layer consumed by the execution
// core: it registers global buffers as traceable and emits coarse
// begin/end event packets outside the single-step path. All operations
// are cheap enough to leave in release builds; event emission is a no-op
// until a recorder arms the package with a packet buffer.
package instrument

import (
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"
)

// Region is a named, contiguous host memory range registered as a
// subject of tracing. The base pointer is owned by the execution core;
// regions live for the whole process and are never unregistered.
type Region struct {
	Name   string  `json:"name"`
	Base   uintptr `json:"base"`
	Size   uint32  `json:"size"`
	Offset uint32  `json:"offset"`

	buf []byte
}

// Registry is the append-only table of traced regions. It must be fully
// populated before the tracer thread starts; Freeze marks the boundary
// and registration afterwards is a programming error.
type Registry struct {
	mu      sync.Mutex
	regions []Region
	size    uint32
	frozen  bool
}

// Register appends a named buffer to the table. The region's offset in
// the flattened blob address space is the 16-byte-aligned running total
// of all previously registered regions.
func (r *Registry) Register(name string, buf []byte) {
	if len(buf) == 0 {
		panic("instrument: registering empty region " + name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("instrument: registering region " + name + " after freeze")
	}

	offset := (r.size + 15) &^ 15
	r.regions = append(r.regions, Region{
		Name:   name,
		Base:   uintptr(unsafe.Pointer(&buf[0])),
		Size:   uint32(len(buf)),
		Offset: offset,
		buf:    buf,
	})
	r.size = offset + uint32(len(buf))
}

// Freeze forbids further registration. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Regions returns the registered regions in registration order.
func (r *Registry) Regions() []Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Region(nil), r.regions...)
}

// BlobSize is the total size of the flattened blob address space.
func (r *Registry) BlobSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Translate maps a host address to its offset in the flattened blob
// address space, reporting whether the address falls inside any
// registered region.
func (r *Registry) Translate(addr uintptr) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.regions {
		g := &r.regions[i]
		if addr >= g.Base && addr < g.Base+uintptr(g.Size) {
			return g.Offset + uint32(addr-g.Base), true
		}
	}
	return 0, false
}

// Snapshot copies every registered region into its blob offset. The
// destination must be at least BlobSize bytes.
func (r *Registry) Snapshot(blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(blob) < int(r.size) {
		return fmt.Errorf("instrument: blob is %d bytes, need %d", len(blob), r.size)
	}
	for i := range r.regions {
		g := &r.regions[i]
		copy(blob[g.Offset:g.Offset+g.Size], g.buf)
	}
	return nil
}

// MarshalTable serializes the region table for handing to the tracer
// child process. Base addresses are valid in this process, which is
// exactly what the tracer needs: it reads them through ptrace.
func (r *Registry) MarshalTable() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.regions)
}

// UnmarshalTable reconstructs a frozen registry from MarshalTable
// output. The result can translate addresses but cannot snapshot, since
// the base pointers belong to another process.
func UnmarshalTable(data []byte) (*Registry, error) {
	var regions []Region
	if err := json.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("instrument: parse region table: %w", err)
	}
	r := &Registry{regions: regions, frozen: true}
	for _, g := range regions {
		if end := g.Offset + g.Size; end > r.size {
			r.size = end
		}
	}
	return r, nil
}

// Globals is the process-wide registry populated by package init
// functions across the codebase and frozen before tracing starts.
var Globals = &Registry{}

// RegisterGlobal registers a named buffer with the process-wide registry.
func RegisterGlobal(name string, buf []byte) {
	Globals.Register(name, buf)
}
