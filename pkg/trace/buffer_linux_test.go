//go:build linux

package trace

import "testing"

func TestSharedBufferCursorIsShared(t *testing.T) {
	shared, err := NewSharedPacketBuffer(4096)
	if err != nil {
		t.Fatalf("Failed to create shared buffer: %v", err)
	}
	defer shared.Close()

	// A second mapping of the same file stands in for the tracer child.
	mapped, err := MapPacketBuffer(shared.File())
	if err != nil {
		t.Fatalf("Failed to map shared buffer: %v", err)
	}

	shared.Push(WriteDelta{Offset: 1, Old: 2, New: 3})
	mapped.Push(PushSnapshot{})
	shared.Push(WriteDelta{Offset: 4, Old: 5, New: 6})

	// Writes interleaved through both mappings land in one stream.
	packets, err := DecodeBuffer(shared.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode buffer: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("decoded %d packets, want 3", len(packets))
	}
	if packets[1].Type() != PacketPushSnapshot {
		t.Errorf("second packet is %s, want PushSnapshot", packets[1].Type())
	}
	if mapped.Used() != shared.Used() {
		t.Errorf("mappings disagree on usage: %d vs %d", mapped.Used(), shared.Used())
	}
}
