// Package layout holds the fixed flash and RAM address map of the target.
//
// Flash is addressed two ways: offsets count from the start of the flash
// device (what erase/program/read take), addresses are where the XIP window maps
// those bytes into the processor's address space (what vector tables hold).
//
//	offset 0x00000  +--------------------+
//	                | bootloader         |  [0, Offset)
//	offset 0x10000  +--------------------+
//	                | metadata page      |  [Offset, Offset+PageSize)
//	offset 0x10100  +--------------------+
//	                | application image  |  [AppOffset, FlashSize)
//	                +--------------------+
package layout

import "fmt"

// Flash geometry
const (
	FlashBase = 0x1000_0000
	FlashSize = 2 * 1024 * 1024
	EraseSize = 0x1000 // 4KB sectors
	WriteSize = 1
)

// Region boundaries, as offsets into flash
const (
	Offset    = 64 * 1024
	PageSize  = 256
	AppOffset = Offset + PageSize
)

// Absolute addresses
const (
	MetadataBase = FlashBase + Offset
	AppBase      = FlashBase + AppOffset
)

// RAM window a valid initial stack pointer must fall in (inclusive).
const (
	RAMStart = 0x2000_0000
	RAMEnd   = 0x2008_2000
)

// RoundUp rounds n up to the next multiple of to. A zero to leaves n as is.
// Block sizes come from the device, so to need not be a power of two. The
// result wraps if n is within one block of the top of the range.
func RoundUp(n, to uint32) uint32 {
	if to == 0 {
		return n
	}
	if rem := n % to; rem != 0 {
		return n + (to - rem)
	}
	return n
}

// AppCapacity returns the largest application image that fits.
func AppCapacity() uint32 {
	return FlashSize - AppOffset
}

// AddressOf maps a flash offset to its XIP address.
func AddressOf(offset uint32) uint32 {
	return FlashBase + offset
}

// OffsetOf maps an XIP address back to a flash offset.
func OffsetOf(address uint32) (uint32, error) {
	if !InFlash(address) {
		return 0, fmt.Errorf("address 0x%08X is outside flash [0x%08X, 0x%08X)",
			address, uint32(FlashBase), uint32(FlashBase+FlashSize))
	}
	return address - FlashBase, nil
}

// InRAM reports whether sp is a plausible initial stack pointer.
func InRAM(sp uint32) bool {
	return sp >= RAMStart && sp <= RAMEnd
}

// InFlash reports whether address lies inside the mapped flash window.
func InFlash(address uint32) bool {
	return address >= FlashBase && address < FlashBase+FlashSize
}
