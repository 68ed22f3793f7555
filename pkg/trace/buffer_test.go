package trace

import (
	"bytes"
	"sync"
	"testing"
)

func TestBufferAllocateAligned(t *testing.T) {
	buf := NewPacketBuffer(1024)

	// Odd payload sizes force padding before the next allocation.
	buf.Allocate(PacketSaveState, 5)
	payload := buf.Allocate(PacketPushSnapshot, 0)
	if len(payload) != 0 {
		t.Fatalf("zero-size allocation returned %d payload bytes", len(payload))
	}

	packets, err := DecodeBuffer(buf.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode buffer: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("decoded %d packets, want 2", len(packets))
	}
	if packets[1].Type() != PacketPushSnapshot {
		t.Errorf("second packet is %s, want PushSnapshot", packets[1].Type())
	}
}

func TestBufferConcurrentAllocate(t *testing.T) {
	const workers = 8
	const perWorker = 200

	buf := NewPacketBuffer(1 << 20)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				payload := buf.Allocate(PacketSaveState, 8)
				for j := range payload {
					payload[j] = byte(w)
				}
			}
		}(w)
	}
	wg.Wait()

	// Every allocation must be disjoint: each payload was filled with a
	// single worker's tag, so a torn packet means ranges overlapped.
	packets, err := DecodeBuffer(buf.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode buffer: %v", err)
	}
	if len(packets) != workers*perWorker {
		t.Fatalf("decoded %d packets, want %d", len(packets), workers*perWorker)
	}
	for i, p := range packets {
		blob := p.(SaveState).Blob
		for _, b := range blob {
			if b != blob[0] {
				t.Fatalf("packet %d contains bytes from two writers: %v", i, blob)
			}
		}
	}
}

func TestBufferOverflowPanics(t *testing.T) {
	buf := NewPacketBuffer(32)
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on arena overflow")
		}
	}()
	buf.Allocate(PacketSaveState, 64)
}

func TestBufferSaveLoad(t *testing.T) {
	buf := NewPacketBuffer(1024)
	buf.Push(WriteDelta{Offset: 4, Old: 1, New: 2})
	buf.Push(PushSnapshot{})

	var compressed bytes.Buffer
	if err := buf.Save(&compressed); err != nil {
		t.Fatalf("Failed to save buffer: %v", err)
	}

	raw, err := LoadBuffer(&compressed)
	if err != nil {
		t.Fatalf("Failed to load buffer: %v", err)
	}
	if !bytes.Equal(raw, buf.Bytes()) {
		t.Fatal("loaded buffer image does not match original")
	}

	packets, err := DecodeBuffer(raw)
	if err != nil {
		t.Fatalf("Failed to decode loaded buffer: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("decoded %d packets, want 2", len(packets))
	}
	if packets[0].(WriteDelta).New != 2 {
		t.Errorf("got %+v, want WriteDelta with New=2", packets[0])
	}
}
