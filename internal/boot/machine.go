// Package boot decides, on every reset, whether to launch the installed
// application or accept a new one over the serial link.
package boot

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/image"
	"github.com/bigbag/uartboot/internal/launch"
	"github.com/bigbag/uartboot/internal/layout"
	"github.com/bigbag/uartboot/internal/protocol"
	"github.com/bigbag/uartboot/internal/update"
)

// DefaultWindow is how long a healthy device waits for a menu key.
const DefaultWindow = 3 * time.Second

// readErrorBackoff spaces out reads after a failed one during the wait.
const readErrorBackoff = 10 * time.Millisecond

// Machine is the boot decision state machine.
type Machine struct {
	link      protocol.Transport
	core      launch.Core
	validator *image.Validator
	receiver  *update.Receiver
	sequencer *launch.Sequencer
	config    Config
}

// New wires a Machine over region, link and core.
func New(region *flash.Region, link protocol.Transport, core launch.Core, opts ...Option) *Machine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	validator := image.NewValidator(region, cfg.Logger)
	return &Machine{
		link:      link,
		core:      core,
		validator: validator,
		receiver:  update.NewReceiver(link, region, validator, cfg.Logger),
		sequencer: launch.NewSequencer(region, core, cfg.Logger),
		config:    cfg,
	}
}

// Run executes one boot. It does not return once it has decided: a committed
// update resets the core and every other path ends in the launch sequencer.
// The only way out is ctx being cancelled, whose error is returned.
func (m *Machine) Run(ctx context.Context) error {
	log := m.config.Logger
	m.config.Pin.High()

	updateMode := !m.validator.IsHealthy(layout.Offset)
	if updateMode {
		log.Warn("application is corrupted or missing, entering update mode")
	} else {
		log.WithField("window", m.config.Window).Info("application healthy, press 'u' for update or wait to jump")
		updateMode = m.wait(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if updateMode {
		m.config.Pin.Low()
		res, err := m.receiver.Run(ctx)
		if err == nil && res.State == protocol.StateDone {
			log.Info("update complete, resetting system")
			m.core.Reset()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		log.WithError(err).Warn("update failed, booting whatever is installed")
	}

	m.config.Pin.Low()
	m.sequencer.Launch(layout.AppBase)
	return nil
}

// wait races the remaining window against one byte from the link until the
// window runs out or a menu key arrives. Other bytes are dropped without
// extending the window. A closed link stops the reads and leaves the timer
// to run out.
func (m *Machine) wait(ctx context.Context) bool {
	log := m.config.Logger
	clock := m.config.Clock
	start := clock.Now()
	linkDown := false

	for ctx.Err() == nil {
		elapsed := clock.Now().Sub(start)
		if elapsed >= m.config.Window {
			log.Info("timeout, jumping to app")
			return false
		}
		remaining := m.config.Window - elapsed

		if linkDown {
			select {
			case <-clock.After(remaining):
				log.Info("timeout, jumping to app")
			case <-ctx.Done():
			}
			return false
		}

		r := Select(ctx,
			func(ctx context.Context) (struct{}, error) {
				select {
				case <-clock.After(remaining):
					return struct{}{}, nil
				case <-ctx.Done():
					return struct{}{}, ctx.Err()
				}
			},
			func(ctx context.Context) (byte, error) {
				return protocol.ReadByte(ctx, m.link)
			},
		)

		switch {
		case r.First:
			if r.Err == nil {
				log.Info("timeout, jumping to app")
			}
			return false
		case r.Err != nil && ctx.Err() != nil:
			return false
		case errors.Is(r.Err, io.EOF) || errors.Is(r.Err, io.ErrUnexpectedEOF):
			log.WithError(r.Err).Warn("link closed during wait")
			linkDown = true
		case r.Err != nil:
			log.WithError(r.Err).Debug("read error during wait")
			select {
			case <-clock.After(min(readErrorBackoff, remaining)):
			case <-ctx.Done():
			}
		case protocol.IsMenuKey(r.B):
			log.Info("entering update mode")
			return true
		default:
			log.Debugf("ignored byte during wait: 0x%02x", r.B)
		}
	}
	return false
}
