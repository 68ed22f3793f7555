package instrument

import (
	"bytes"
	"testing"
	"unsafe"
)

func TestRegistryOffsetsAligned(t *testing.T) {
	var r Registry
	a := make([]byte, 24)
	b := make([]byte, 100)
	c := make([]byte, 4)
	r.Register("a", a)
	r.Register("b", b)
	r.Register("c", c)

	regions := r.Regions()
	if regions[0].Offset != 0 {
		t.Errorf("first region at offset %d, want 0", regions[0].Offset)
	}
	// 24 rounds up to 32, 32+100 rounds up to 144.
	if regions[1].Offset != 32 {
		t.Errorf("second region at offset %d, want 32", regions[1].Offset)
	}
	if regions[2].Offset != 144 {
		t.Errorf("third region at offset %d, want 144", regions[2].Offset)
	}
	if r.BlobSize() != 148 {
		t.Errorf("blob size is %d, want 148", r.BlobSize())
	}
}

func TestRegistryTranslate(t *testing.T) {
	var r Registry
	buf := make([]byte, 64)
	r.Register("vu1.mem", buf)

	base := uintptr(unsafe.Pointer(&buf[0]))
	offset, ok := r.Translate(base + 10)
	if !ok || offset != 10 {
		t.Errorf("Translate(base+10) = %d, %v; want 10, true", offset, ok)
	}
	if _, ok := r.Translate(base + 64); ok {
		t.Error("Translate accepted an address one past the region")
	}
	if _, ok := r.Translate(0); ok {
		t.Error("Translate accepted a null address")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	var r Registry
	a := []byte{1, 2, 3, 4}
	b := []byte{9, 8, 7, 6}
	r.Register("a", a)
	r.Register("b", b)

	blob := make([]byte, r.BlobSize())
	if err := r.Snapshot(blob); err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	if !bytes.Equal(blob[:4], a) {
		t.Errorf("region a snapshot is %v, want %v", blob[:4], a)
	}
	if !bytes.Equal(blob[16:20], b) {
		t.Errorf("region b snapshot is %v, want %v", blob[16:20], b)
	}

	if err := r.Snapshot(make([]byte, 1)); err == nil {
		t.Error("expected an error for an undersized blob")
	}
}

func TestRegistryTableRoundTrip(t *testing.T) {
	var r Registry
	buf := make([]byte, 32)
	r.Register("vu1.regs", buf)
	r.Freeze()

	data, err := r.MarshalTable()
	if err != nil {
		t.Fatalf("Failed to marshal table: %v", err)
	}
	parsed, err := UnmarshalTable(data)
	if err != nil {
		t.Fatalf("Failed to unmarshal table: %v", err)
	}

	if parsed.BlobSize() != r.BlobSize() {
		t.Errorf("blob size is %d after round trip, want %d", parsed.BlobSize(), r.BlobSize())
	}
	base := uintptr(unsafe.Pointer(&buf[0]))
	offset, ok := parsed.Translate(base + 5)
	if !ok || offset != 5 {
		t.Errorf("Translate after round trip = %d, %v; want 5, true", offset, ok)
	}
	if parsed.Regions()[0].Name != "vu1.regs" {
		t.Errorf("region name is %q after round trip", parsed.Regions()[0].Name)
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	var r Registry
	r.Register("a", make([]byte, 8))
	r.Freeze()

	defer func() {
		if recover() == nil {
			t.Error("expected a panic when registering after freeze")
		}
	}()
	r.Register("b", make([]byte, 8))
}
