package image

import (
	"hash/crc32"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/layout"
)

// window is how much flash is pulled through Region.Read per CRC step.
const window = 4096

// Report is everything Inspect learned about an installed image.
type Report struct {
	Metadata Metadata
	SP       uint32
	Entry    uint32
	Computed uint32
}

// Validator checks images through the bounds-checked flash region. It never
// writes flash, so it is safe to call speculatively and repeatedly.
type Validator struct {
	region *flash.Region
	log    logrus.FieldLogger
}

// NewValidator creates a Validator reading from region.
func NewValidator(region *flash.Region, log logrus.FieldLogger) *Validator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Validator{region: region, log: log}
}

// Checksum computes the CRC32 (ISO-HDLC) of [offset, offset+length).
func (v *Validator) Checksum(offset, length uint32) (uint32, error) {
	var crc uint32
	buf := make([]byte, window)

	for done := uint32(0); done < length; {
		n := length - done
		if n > window {
			n = window
		}
		if err := v.region.ReadInto(offset+done, buf[:n]); err != nil {
			return 0, err
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
		done += n
	}

	return crc, nil
}

// Verify recomputes the checksum over [offset, offset+length) and compares it
// with expected.
func (v *Validator) Verify(offset, length, expected uint32) (bool, error) {
	calculated, err := v.Checksum(offset, length)
	if err != nil {
		return false, err
	}
	v.log.WithFields(logrus.Fields{
		"calculated": hex32(calculated),
		"expected":   hex32(expected),
	}).Info("CRC check")
	return calculated == expected, nil
}

// IsHealthy reports whether the metadata page at metaOffset describes a
// bootable image in the page after it.
func (v *Validator) IsHealthy(metaOffset uint32) bool {
	if _, err := v.Inspect(metaOffset); err != nil {
		v.log.WithError(err).Debug("application not healthy")
		return false
	}
	return true
}

// Inspect runs the health checks in order and returns the first failure as
// an error. The report is filled as far as the checks got.
func (v *Validator) Inspect(metaOffset uint32) (*Report, error) {
	rep := &Report{}

	page, err := v.region.Read(metaOffset, layout.PageSize)
	if err != nil {
		return rep, err
	}
	meta, err := ParseMetadata(page)
	if err != nil {
		return rep, err
	}
	rep.Metadata = meta

	if !meta.Valid() {
		return rep, fault.Invalid("bad magic %q", meta.Magic[:])
	}

	v.log.WithFields(logrus.Fields{
		"length": meta.Length,
		"crc":    hex32(meta.Checksum),
	}).Info("app metadata")

	appOffset := metaOffset + layout.PageSize
	if capacity := v.region.Size() - appOffset; meta.Length > capacity {
		return rep, fault.Invalid("length %d exceeds application region of %d bytes", meta.Length, capacity)
	}

	sp, err := v.region.ReadWord(appOffset)
	if err != nil {
		return rep, err
	}
	rep.SP = sp
	if !layout.InRAM(sp) {
		return rep, fault.Invalid("stack pointer 0x%08X outside RAM", sp)
	}

	// The entry word is reported for the inspector but not checked here, only
	// the launch sequencer enforces it.
	if entry, err := v.region.ReadWord(appOffset + 4); err == nil {
		rep.Entry = entry
	}

	computed, err := v.Checksum(appOffset, meta.Length)
	if err != nil {
		return rep, err
	}
	rep.Computed = computed
	v.log.WithFields(logrus.Fields{
		"calculated": hex32(computed),
		"expected":   hex32(meta.Checksum),
	}).Info("CRC check")
	if computed != meta.Checksum {
		return rep, fault.Invalid("checksum 0x%08X, metadata says 0x%08X", computed, meta.Checksum)
	}

	return rep, nil
}
