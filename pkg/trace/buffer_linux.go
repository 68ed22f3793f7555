//go:build linux

package trace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SharedPacketBuffer is a PacketBuffer backed by an anonymous shared
// memory file, so a tracer child process can map the same arena and
// allocate from the same cursor.
type SharedPacketBuffer struct {
	PacketBuffer
	file *os.File
}

// NewSharedPacketBuffer creates a memfd-backed arena with the given
// capacity and maps it MAP_SHARED.
func NewSharedPacketBuffer(size uint32) (*SharedPacketBuffer, error) {
	fd, err := unix.MemfdCreate("vutrace-packets", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), "vutrace-packets")

	total := BufferReserve + int(size)
	if err := file.Truncate(int64(total)); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncate packet arena: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap packet arena: %w", err)
	}

	b := &SharedPacketBuffer{file: file}
	b.mem = mem
	b.top = cursorOf(mem)
	return b, nil
}

// MapPacketBuffer maps an arena created by NewSharedPacketBuffer in
// another process, given the inherited file descriptor.
func MapPacketBuffer(file *os.File) (*PacketBuffer, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap packet arena: %w", err)
	}
	return newPacketBuffer(mem), nil
}

// File returns the backing memory file, for passing to a child process.
func (b *SharedPacketBuffer) File() *os.File {
	return b.file
}

// Close unmaps the arena and closes the backing file.
func (b *SharedPacketBuffer) Close() error {
	err := unix.Munmap(b.mem)
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	b.mem = nil
	return err
}
