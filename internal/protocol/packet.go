package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Transport is the byte-oriented duplex link both ends of the protocol talk
// over. ReadFull blocks until buf is full, ctx is done or the link fails.
type Transport interface {
	ReadFull(ctx context.Context, buf []byte) error
	Write(p []byte) error
}

// Header announces an update: the payload size and its expected CRC32.
type Header struct {
	Length   uint32
	Checksum uint32
}

// Encode serializes the header to its 8 wire bytes.
func (h Header) Encode() []byte {
	// Header format:
	// 0-3: payload length (little-endian)
	// 4-7: CRC32 of the payload (little-endian)
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.Checksum)
	return buf
}

// DecodeHeader parses a header from exactly HeaderSize bytes.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(data))
	}
	return Header{
		Length:   binary.LittleEndian.Uint32(data[0:4]),
		Checksum: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// ChunkCount returns how many acknowledged chunks a payload of n bytes takes.
func ChunkCount(n uint32) uint32 {
	return (n + ChunkSize - 1) / ChunkSize
}

// ReadByte reads a single byte from t.
func ReadByte(ctx context.Context, t Transport) (byte, error) {
	var b [1]byte
	if err := t.ReadFull(ctx, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Stream adapts an io.ReadWriter to a Transport. Context is checked before
// each underlying read; a read already in progress is not interrupted.
type Stream struct {
	rw io.ReadWriter
}

// NewStream wraps rw.
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{rw: rw}
}

func (s *Stream) ReadFull(ctx context.Context, buf []byte) error {
	for n := 0; n < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := s.rw.Read(buf[n:])
		n += m
		if err != nil {
			if err == io.EOF && n < len(buf) {
				return io.ErrUnexpectedEOF
			}
			if n < len(buf) {
				return err
			}
		}
	}
	return nil
}

func (s *Stream) Write(p []byte) error {
	_, err := s.rw.Write(p)
	return err
}
