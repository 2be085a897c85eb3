// Package firmware loads application images from the file formats toolchains
// emit (raw binary, Intel HEX and UF2) and flattens them into the byte
// stream the update protocol sends.
package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"

	"github.com/bigbag/uartboot/internal/layout"
)

// Format identifies an input file format.
type Format string

const (
	FormatBin Format = "bin"
	FormatHex Format = "hex"
	FormatUF2 Format = "uf2"
)

// Image is an application ready for upload. Data starts at Base.
type Image struct {
	Data   []byte
	Base   uint32
	Format Format
}

// FormatOf picks the format from the file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return FormatHex
	case ".uf2":
		return FormatUF2
	default:
		return FormatBin
	}
}

// Load reads the image at path.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f, FormatOf(path))
}

// Parse reads an image of the given format from r.
func Parse(r io.Reader, format Format) (*Image, error) {
	switch format {
	case FormatHex:
		mem := gohex.NewMemory()
		if err := mem.ParseIntelHex(r); err != nil {
			return nil, errors.Wrap(err, "parse intel hex")
		}
		return flatten(mem, FormatHex)
	case FormatUF2:
		mem, err := parseUF2(r)
		if err != nil {
			return nil, err
		}
		return flatten(mem, FormatUF2)
	default:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return &Image{Data: data, Base: layout.AppBase, Format: FormatBin}, nil
	}
}

// flatten lays the segments of mem out from AppBase, filling gaps with the
// erased value.
func flatten(mem *gohex.Memory, format Format) (*Image, error) {
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.Errorf("%s file holds no data", format)
	}

	end := uint32(layout.AppBase)
	for _, seg := range segments {
		segEnd := seg.Address + uint32(len(seg.Data))
		if seg.Address < layout.AppBase || !layout.InFlash(segEnd-1) {
			return nil, errors.Errorf("segment 0x%08X-0x%08X outside application region starting at 0x%08X",
				seg.Address, segEnd, layout.AppBase)
		}
		if segEnd > end {
			end = segEnd
		}
	}

	data := bytes.Repeat([]byte{0xFF}, int(end-layout.AppBase))
	for _, seg := range segments {
		copy(data[seg.Address-layout.AppBase:], seg.Data)
	}

	return &Image{Data: data, Base: layout.AppBase, Format: format}, nil
}

// WriteHex writes img as Intel HEX with 16 data bytes per record.
func WriteHex(w io.Writer, img *Image) error {
	mem := gohex.NewMemory()
	if len(img.Data) > 0 {
		if err := mem.AddBinary(img.Base, img.Data); err != nil {
			return errors.Wrap(err, "add segment")
		}
	}
	ew := &errWriter{w: w}
	mem.DumpIntelHex(ew, 16)
	return errors.Wrap(ew.err, "write intel hex")
}

// errWriter records the first error from w and fails every later write.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

const (
	uf2Magic0 = 0x0A324655
	uf2Magic1 = 0x9E5D5157
	uf2Magic2 = 0x0AB16F30

	uf2NotMainFlash = 0x00000001
)

type uf2Block struct {
	Magic0 uint32
	Magic1 uint32
	Flags  uint32
	Addr   uint32
	Len    uint32
	Seq    uint32
	Total  uint32
	Family uint32
	Data   [476]byte
	Magic2 uint32
}

// parseUF2 collects the main-flash payload of every block. Family IDs are
// not checked.
func parseUF2(r io.Reader) (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	for seq := 0; ; seq++ {
		var b uf2Block
		err := binary.Read(r, binary.LittleEndian, &b)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "uf2 block %d", seq)
		}

		if b.Magic0 != uf2Magic0 || b.Magic1 != uf2Magic1 || b.Magic2 != uf2Magic2 {
			return nil, fmt.Errorf("uf2 block %d: bad magic", seq)
		}
		if b.Flags&uf2NotMainFlash != 0 {
			continue
		}
		if b.Len > uint32(len(b.Data)) {
			return nil, fmt.Errorf("uf2 block %d: payload %d bytes", seq, b.Len)
		}
		if err := mem.AddBinary(b.Addr, b.Data[:b.Len]); err != nil {
			return nil, errors.Wrapf(err, "uf2 block %d", seq)
		}
	}
	return mem, nil
}
