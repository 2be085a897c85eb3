package flash

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/layout"
)

var (
	errMisaligned = errors.New("misaligned access")
	errOutOfRange = errors.New("access outside device")
)

// Region is the only path the bootloader uses to touch flash. It rounds
// erases to block boundaries, rejects misaligned programs and bounds-checks
// reads, turning every failure into a fault.FlashFault.
//
// There is no rollback: callers sequence erase-before-program themselves.
type Region struct {
	dev Device
}

// NewRegion wraps dev.
func NewRegion(dev Device) *Region {
	return &Region{dev: dev}
}

// Device returns the wrapped device.
func (r *Region) Device() Device {
	return r.dev
}

// Size returns the device capacity.
func (r *Region) Size() uint32 {
	return r.dev.Size()
}

// Erase erases [from, to), rounding to up to the next erase block.
// from must already be block aligned.
func (r *Region) Erase(from, to uint32) error {
	block := r.dev.EraseSize()
	end := layout.RoundUp(to, block)

	if from%block != 0 {
		return &fault.FlashFault{Op: "erase", Offset: from, Length: to - from,
			Err: errMisaligned}
	}
	if from > end || end > r.dev.Size() || end < to {
		return &fault.FlashFault{Op: "erase", Offset: from, Length: end - from,
			Err: errOutOfRange}
	}
	if err := r.dev.Erase(from, end); err != nil {
		return &fault.FlashFault{Op: "erase", Offset: from, Length: end - from, Err: err}
	}
	return nil
}

// Program writes data at offset. Both must be multiples of the program unit.
func (r *Region) Program(offset uint32, data []byte) error {
	n := uint32(len(data))
	unit := r.dev.WriteSize()

	if offset%unit != 0 || n%unit != 0 {
		return &fault.FlashFault{Op: "program", Offset: offset, Length: n, Err: errMisaligned}
	}
	if !r.inBounds(offset, n) {
		return &fault.FlashFault{Op: "program", Offset: offset, Length: n, Err: errOutOfRange}
	}
	if n == 0 {
		return nil
	}
	if err := r.dev.Write(offset, data); err != nil {
		return &fault.FlashFault{Op: "program", Offset: offset, Length: n, Err: err}
	}
	return nil
}

// Read returns a copy of n bytes at offset.
func (r *Region) Read(offset, n uint32) ([]byte, error) {
	if !r.inBounds(offset, n) {
		return nil, &fault.FlashFault{Op: "read", Offset: offset, Length: n, Err: errOutOfRange}
	}
	buf := make([]byte, n)
	if err := r.ReadInto(offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInto fills buf from offset, avoiding an allocation per window when
// streaming large ranges.
func (r *Region) ReadInto(offset uint32, buf []byte) error {
	n := uint32(len(buf))
	if !r.inBounds(offset, n) {
		return &fault.FlashFault{Op: "read", Offset: offset, Length: n, Err: errOutOfRange}
	}
	if err := r.dev.Read(offset, buf); err != nil {
		return &fault.FlashFault{Op: "read", Offset: offset, Length: n, Err: err}
	}
	return nil
}

// ReadWord reads a little-endian 32-bit word at offset.
func (r *Region) ReadWord(offset uint32) (uint32, error) {
	var buf [4]byte
	if err := r.ReadInto(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *Region) inBounds(offset, n uint32) bool {
	end := offset + n
	return end >= offset && end <= r.dev.Size()
}
