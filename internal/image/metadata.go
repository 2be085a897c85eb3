// Package image validates an installed application image: the metadata
// record persisted in front of it, its CRC32 and its vector table.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/layout"
)

// Magic tags a valid metadata record.
var Magic = [4]byte{'A', 'P', 'P', 'S'}

// Metadata record field offsets within the page.
const (
	magicOffset    = 0
	lengthOffset   = 4
	checksumOffset = 8
	recordSize     = 12
)

// Metadata describes the application image that follows the metadata page.
type Metadata struct {
	Magic    [4]byte
	Length   uint32
	Checksum uint32
}

// NewMetadata builds a record for an image of length bytes with the given CRC32.
func NewMetadata(length, checksum uint32) Metadata {
	return Metadata{Magic: Magic, Length: length, Checksum: checksum}
}

// Valid reports whether the magic tag matches.
func (m Metadata) Valid() bool {
	return m.Magic == Magic
}

// Encode serializes the record into a full metadata page, padded with erased
// bytes so it can be programmed in a single operation.
func (m Metadata) Encode() []byte {
	// Page format:
	// 0-3:  magic "APPS"
	// 4-7:  length (little-endian)
	// 8-11: CRC32 of the application payload (little-endian)
	// 12+:  0xFF padding
	page := bytes.Repeat([]byte{0xFF}, layout.PageSize)
	copy(page[magicOffset:], m.Magic[:])
	binary.LittleEndian.PutUint32(page[lengthOffset:], m.Length)
	binary.LittleEndian.PutUint32(page[checksumOffset:], m.Checksum)
	return page
}

// ParseMetadata decodes a record from an in-memory copy of the page. It does
// not check the magic tag; use Valid for that.
func ParseMetadata(buf []byte) (Metadata, error) {
	if len(buf) < recordSize {
		return Metadata{}, fault.Invalid("metadata too short: %d bytes", len(buf))
	}

	var m Metadata
	copy(m.Magic[:], buf[magicOffset:lengthOffset])
	m.Length = binary.LittleEndian.Uint32(buf[lengthOffset:checksumOffset])
	m.Checksum = binary.LittleEndian.Uint32(buf[checksumOffset:recordSize])
	return m, nil
}

func (m Metadata) String() string {
	return fmt.Sprintf("magic=%q length=%d crc=0x%08X", m.Magic[:], m.Length, m.Checksum)
}

// CheckVectors is the coarse sanity check on an image's first two words: the
// initial stack pointer must lie in RAM and the reset entry in flash.
func CheckVectors(sp, entry uint32) error {
	if !layout.InRAM(sp) {
		return fault.Invalid("stack pointer 0x%08X outside RAM [0x%08X, 0x%08X]",
			sp, uint32(layout.RAMStart), uint32(layout.RAMEnd))
	}
	if !layout.InFlash(entry) {
		return fault.Invalid("reset entry 0x%08X outside flash", entry)
	}
	return nil
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
