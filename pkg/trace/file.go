package trace

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Writer writes the trace file header followed by a sequence of packets.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	scratch []byte
	written int64
}

// NewWriter creates path, truncating any existing file, and writes the
// magic and format version header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w := &Writer{file: f, buf: bufio.NewWriter(f)}
	header := make([]byte, 0, HeaderSize)
	header = append(header, Magic...)
	header = binary.LittleEndian.AppendUint32(header, FormatVersion)
	if _, err := w.buf.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	w.written = HeaderSize
	return w, nil
}

// WritePacket appends one packet in wire form.
func (w *Writer) WritePacket(p Packet) error {
	w.scratch = AppendPacket(w.scratch[:0], p)
	n, err := w.buf.Write(w.scratch)
	w.written += int64(n)
	return err
}

// PacketsWritten reports whether any packet has been written after the
// file header.
func (w *Writer) PacketsWritten() bool {
	return w.written > HeaderSize
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Reader reads back a trace file produced by Writer.
type Reader struct {
	buf []byte
	at  int

	// Version is the format version from the file header.
	Version uint32
}

// NewReader validates the header of an in-memory trace image.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("trace too short for header: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], []byte(Magic)) {
		return nil, fmt.Errorf("bad trace magic %q", data[:4])
	}
	version := binary.LittleEndian.Uint32(data[4:])
	if version != FormatVersion {
		return nil, fmt.Errorf("unsupported trace format version %d, want %d", version, FormatVersion)
	}
	return &Reader{buf: data, at: HeaderSize, Version: version}, nil
}

// OpenReader reads an entire trace file into memory and validates its
// header.
func OpenReader(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewReader(data)
}

// Next returns the next packet, or io.EOF after the last one.
func (r *Reader) Next() (Packet, error) {
	if r.at >= len(r.buf) {
		return nil, io.EOF
	}
	p, n, err := DecodePacket(r.buf[r.at:])
	if err != nil {
		return nil, err
	}
	r.at += n
	return p, nil
}

// ReadAll returns every remaining packet in order.
func (r *Reader) ReadAll() ([]Packet, error) {
	var packets []Packet
	for {
		p, err := r.Next()
		if err == io.EOF {
			return packets, nil
		}
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
	}
}
