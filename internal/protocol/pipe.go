package protocol

import (
	"context"
	"io"
	"sync"
)

// pipeBuffer is how many bytes one end can write before it blocks on the
// other end reading.
const pipeBuffer = 1 << 20

// PipeEnd is one side of an in-memory Transport pair.
type PipeEnd struct {
	in   chan byte
	out  chan byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory Transports. Bytes written to one end
// are read from the other in order. Unlike io.Pipe, reads honor ctx.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan byte, pipeBuffer)
	ba := make(chan byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &PipeEnd{in: ba, out: ab, done: done, once: once},
		&PipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *PipeEnd) ReadFull(ctx context.Context, buf []byte) error {
	for i := range buf {
		select {
		case b := <-p.in:
			buf[i] = b
		case <-p.done:
			return io.ErrUnexpectedEOF
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *PipeEnd) Write(data []byte) error {
	for _, b := range data {
		select {
		case p.out <- b:
		case <-p.done:
			return io.ErrClosedPipe
		}
	}
	return nil
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
