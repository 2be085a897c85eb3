// Package emulator runs the bootloader on a host against a file-backed flash
// and a serial link, so the update protocol can be exercised end to end
// without hardware.
package emulator

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/uartboot/internal/boot"
	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/protocol"
)

// ErrHalted is returned once the emulated processor parks itself after a
// fatal corruption.
var ErrHalted = errors.New("processor halted")

// rebootTrigger is what the simulated application listens for.
var rebootTrigger = []byte("reboot")

// Options configures a Machine.
type Options struct {
	Window time.Duration
	Clock  boot.Clock
	Logger logrus.FieldLogger
}

// Machine is an emulated board: flash, serial link and processor core.
type Machine struct {
	region *flash.Region
	link   protocol.Transport
	core   *Core
	opts   Options
}

// New builds a Machine over region and link.
func New(region *flash.Region, link protocol.Transport, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Machine{
		region: region,
		link:   link,
		core:   newCore(opts.Logger),
		opts:   opts,
	}
}

// Core returns the emulated processor.
func (m *Machine) Core() *Core {
	return m.core
}

// PowerOn boots the board and keeps it running: a reset reruns the
// bootloader and a launched application runs until it is asked to reboot.
// It returns ErrHalted when the bootloader halts, or ctx's error.
func (m *Machine) PowerOn(ctx context.Context) error {
	for n := 1; ; n++ {
		log := m.opts.Logger.WithField("boot", n)
		log.Info("power on")

		sig, err := m.boot(ctx, log)
		if err != nil {
			return err
		}

		switch s := sig.(type) {
		case resetSignal:
			log.Info("system reset")
		case launchSignal:
			log.WithFields(logrus.Fields{
				"sp":    fmt.Sprintf("0x%08X", s.sp),
				"entry": fmt.Sprintf("0x%08X", s.entry),
			}).Info("application running")
			if err := m.runApp(ctx); err != nil {
				return err
			}
			log.Info("application requested reboot")
		case haltSignal:
			return ErrHalted
		}
	}
}

// boot runs the bootloader once and returns the transition it ended in.
func (m *Machine) boot(ctx context.Context, log logrus.FieldLogger) (sig interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case launchSignal, resetSignal, haltSignal:
				sig, err = r, nil
			default:
				panic(r)
			}
		}
	}()

	opts := []boot.Option{
		boot.WithLogger(log),
		boot.WithPin(logPin{log}),
		boot.WithWindow(m.opts.Window),
		boot.WithClock(m.opts.Clock),
	}
	if err := boot.New(m.region, m.link, m.core, opts...).Run(ctx); err != nil {
		return nil, err
	}
	return nil, errors.New("bootloader returned without a transition")
}

// runApp stands in for the installed application: it consumes the link
// until the reboot trigger shows up.
func (m *Machine) runApp(ctx context.Context) error {
	var window []byte
	for {
		b, err := protocol.ReadByte(ctx, m.link)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "application read")
		}

		window = append(window, b)
		if len(window) > len(rebootTrigger) {
			window = window[1:]
		}
		if bytes.Equal(window, rebootTrigger) {
			return nil
		}
	}
}
