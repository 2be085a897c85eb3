// Package flash models the on-chip NOR flash: a raw Device, the Region wrapper
// that enforces erase/program alignment and bounds-checks every access, and
// host-side device implementations backed by RAM or a file.
package flash

import (
	"fmt"
	"sync"
)

// Erased is the value of every byte after an erase.
const Erased = 0xFF

// Device is a NOR flash part addressed by offset from its first byte.
type Device interface {
	// Size returns the capacity in bytes.
	Size() uint32
	// EraseSize returns the erase block size.
	EraseSize() uint32
	// WriteSize returns the program unit.
	WriteSize() uint32
	// Erase sets [from, to) back to Erased. Both ends are erase aligned.
	Erase(from, to uint32) error
	// Write programs data at offset. Bits can only be cleared.
	Write(offset uint32, data []byte) error
	// Read copies len(buf) bytes starting at offset.
	Read(offset uint32, buf []byte) error
}

// MemDevice is a Device held in RAM.
//
// EraseHook and WriteHook, when set, run before the operation and abort it
// with their error. Tests use them to inject device faults.
type MemDevice struct {
	mu        sync.Mutex
	data      []byte
	eraseSize uint32
	writeSize uint32

	EraseHook func(from, to uint32) error
	WriteHook func(offset uint32, data []byte) error
}

// NewMemDevice creates a fully erased device.
func NewMemDevice(size, eraseSize, writeSize uint32) *MemDevice {
	d := &MemDevice{
		data:      make([]byte, size),
		eraseSize: eraseSize,
		writeSize: writeSize,
	}
	for i := range d.data {
		d.data[i] = Erased
	}
	return d
}

func (d *MemDevice) Size() uint32      { return uint32(len(d.data)) }
func (d *MemDevice) EraseSize() uint32 { return d.eraseSize }
func (d *MemDevice) WriteSize() uint32 { return d.writeSize }

func (d *MemDevice) Erase(from, to uint32) error {
	if d.EraseHook != nil {
		if err := d.EraseHook(from, to); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(from, to); err != nil {
		return err
	}
	if from%d.eraseSize != 0 || to%d.eraseSize != 0 {
		return fmt.Errorf("erase range [0x%X, 0x%X) not aligned to 0x%X", from, to, d.eraseSize)
	}
	for i := from; i < to; i++ {
		d.data[i] = Erased
	}
	return nil
}

func (d *MemDevice) Write(offset uint32, data []byte) error {
	if d.WriteHook != nil {
		if err := d.WriteHook(offset, data); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	end := offset + uint32(len(data))
	if err := d.check(offset, end); err != nil {
		return err
	}
	for i, b := range data {
		d.data[offset+uint32(i)] &= b
	}
	return nil
}

func (d *MemDevice) Read(offset uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := offset + uint32(len(buf))
	if err := d.check(offset, end); err != nil {
		return err
	}
	copy(buf, d.data[offset:end])
	return nil
}

// Bytes returns a copy of the whole device contents.
func (d *MemDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

// Load replaces the contents starting at offset without the program-only
// clears-bits rule, like a factory programmer would.
func (d *MemDevice) Load(offset uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(offset, offset+uint32(len(data))); err != nil {
		return err
	}
	copy(d.data[offset:], data)
	return nil
}

func (d *MemDevice) check(from, to uint32) error {
	if from > to || to > uint32(len(d.data)) {
		return fmt.Errorf("range [0x%X, 0x%X) outside device of %d bytes", from, to, len(d.data))
	}
	return nil
}
