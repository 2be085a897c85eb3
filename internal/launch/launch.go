// Package launch performs the final, non-returning hand-off from the
// bootloader to the application.
package launch

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/image"
	"github.com/bigbag/uartboot/internal/layout"
)

// Core is the processor surface the bootloader needs for its terminal
// transitions. It is the only place foreign code is trusted with the
// processor; board ports implement it in assembly, the emulator in software.
type Core interface {
	// SetVectorTable points the vector-table base register at base.
	SetVectorTable(base uint32)

	// Bootstrap loads sp into the main stack pointer and branches to entry.
	// It never returns.
	//
	// Precondition: sp and entry have passed image.CheckVectors. That check
	// is the only justification for handing the processor to them.
	Bootstrap(sp, entry uint32)

	// Reset requests a full system reset. It never returns.
	Reset()

	// WaitForInterrupt sleeps the core until the next event.
	WaitForInterrupt()
}

// Sequencer reads the application's vector table and jumps into it.
type Sequencer struct {
	region *flash.Region
	core   Core
	log    logrus.FieldLogger
}

// NewSequencer creates a Sequencer.
func NewSequencer(region *flash.Region, core Core, log logrus.FieldLogger) *Sequencer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sequencer{region: region, core: core, log: log}
}

// Launch starts the application whose vector table is at address base. It
// never returns: either the core bootstraps into the application, or a
// corrupt vector table halts the device.
func (s *Sequencer) Launch(base uint32) {
	sp, entry, err := s.vectors(base)
	if err == nil {
		err = image.CheckVectors(sp, entry)
	}
	if err != nil {
		s.halt(&fault.FatalCorruption{Base: base, SP: sp, Entry: entry, Err: err})
	}

	s.log.WithFields(logrus.Fields{
		"base":  hex32(base),
		"sp":    hex32(sp),
		"entry": hex32(entry),
	}).Info("jumping to app")

	s.core.SetVectorTable(base)
	s.core.Bootstrap(sp, entry)

	// A Core that returns from Bootstrap is broken; never run on.
	s.halt(&fault.FatalCorruption{Base: base, SP: sp, Entry: entry})
}

func (s *Sequencer) vectors(base uint32) (sp, entry uint32, err error) {
	offset, err := layout.OffsetOf(base)
	if err != nil {
		return 0, 0, err
	}
	if sp, err = s.region.ReadWord(offset); err != nil {
		return 0, 0, err
	}
	if entry, err = s.region.ReadWord(offset + 4); err != nil {
		return sp, 0, err
	}
	return sp, entry, nil
}

func (s *Sequencer) halt(err error) {
	s.log.WithError(err).Error("fatal: refusing to launch")
	for {
		s.core.WaitForInterrupt()
	}
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
