// Package update implements the device side of the serial update protocol:
// it streams a new application into flash with per-chunk acknowledgement,
// verifies it, and commits the metadata record last.
package update

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/image"
	"github.com/bigbag/uartboot/internal/layout"
	"github.com/bigbag/uartboot/internal/protocol"
)

// Session is the transient state of one transfer.
type Session struct {
	ExpectedLength   uint32
	ExpectedChecksum uint32
	BytesReceived    uint32
}

// Result is where a session ended.
type Result struct {
	State   protocol.State
	Session Session
}

// Receiver runs update sessions over a transport.
type Receiver struct {
	link      protocol.Transport
	region    *flash.Region
	validator *image.Validator
	log       logrus.FieldLogger

	state   protocol.State
	session Session
	buf     [protocol.ChunkSize]byte
}

// NewReceiver creates a Receiver writing to region.
func NewReceiver(link protocol.Transport, region *flash.Region, validator *image.Validator, log logrus.FieldLogger) *Receiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		link:      link,
		region:    region,
		validator: validator,
		log:       log,
	}
}

// Run performs one complete session. On success the result state is
// StateDone and the new image is committed; the caller is expected to reset.
// Any failure ends in StateAborted with the error that caused it. Aborting
// after the erase leaves the metadata page erased, so the next boot sees an
// unhealthy image.
func (r *Receiver) Run(ctx context.Context) (Result, error) {
	r.session = Session{}

	steps := []struct {
		state protocol.State
		run   func(context.Context) error
	}{
		{protocol.StateAwaitSync, r.awaitSync},
		{protocol.StateAwaitHeader, r.awaitHeader},
		{protocol.StateErasing, r.erase},
		{protocol.StateReceiving, r.receive},
		{protocol.StateVerifying, r.verify},
		{protocol.StateCommitting, r.commit},
	}

	for _, step := range steps {
		r.state = step.state
		if err := step.run(ctx); err != nil {
			r.log.WithFields(r.fields()).WithError(err).Error("update aborted")
			failed := r.state
			r.state = protocol.StateAborted
			return r.result(), errors.Wrapf(err, "update %s", failed)
		}
	}

	r.state = protocol.StateDone
	r.log.WithFields(r.fields()).Info("update complete")
	return r.result(), nil
}

func (r *Receiver) awaitSync(ctx context.Context) error {
	r.log.Info("DFU mode: waiting for sync byte 0xAA")

	for {
		b, err := protocol.ReadByte(ctx, r.link)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fault.Transport("read sync", err)
			}
			r.log.WithError(err).Debug("read error while waiting for sync")
			continue
		}
		if b == protocol.Sync {
			return nil
		}
	}
}

func (r *Receiver) awaitHeader(ctx context.Context) error {
	var raw [protocol.HeaderSize]byte
	if err := r.link.ReadFull(ctx, raw[:]); err != nil {
		return fault.Transport("read header", err)
	}

	h, err := protocol.DecodeHeader(raw[:])
	if err != nil {
		return fault.Transport("decode header", err)
	}
	r.session.ExpectedLength = h.Length
	r.session.ExpectedChecksum = h.Checksum

	r.log.WithFields(r.fields()).Info("receiving image")

	if capacity := layout.AppCapacity(); h.Length > capacity {
		return fault.Invalid("length %d exceeds application region of %d bytes", h.Length, capacity)
	}
	return nil
}

// erase clears the metadata page and the application region in one go, so
// a record for the old image cannot outlive a half-written new one. The ack
// goes out only afterwards: the sender must not stream while flash is busy.
func (r *Receiver) erase(ctx context.Context) error {
	total := layout.RoundUp(r.session.ExpectedLength+layout.PageSize, layout.EraseSize)
	r.log.WithField("bytes", total).Info("erasing")

	if err := r.region.Erase(layout.Offset, layout.Offset+total); err != nil {
		return err
	}
	return r.ack()
}

func (r *Receiver) receive(ctx context.Context) error {
	for r.session.BytesReceived < r.session.ExpectedLength {
		n := r.session.ExpectedLength - r.session.BytesReceived
		if n > protocol.ChunkSize {
			n = protocol.ChunkSize
		}
		chunk := r.buf[:n]

		if err := r.link.ReadFull(ctx, chunk); err != nil {
			return fault.Transport("read chunk", err)
		}
		if err := r.region.Program(layout.AppOffset+r.session.BytesReceived, chunk); err != nil {
			return err
		}
		r.session.BytesReceived += n

		r.log.WithFields(logrus.Fields{
			"received": r.session.BytesReceived,
			"length":   r.session.ExpectedLength,
		}).Debug("chunk written")

		if err := r.ack(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) verify(ctx context.Context) error {
	r.log.Info("verifying CRC32")

	ok, err := r.validator.Verify(layout.AppOffset, r.session.ExpectedLength, r.session.ExpectedChecksum)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Invalid("CRC mismatch, application might be corrupted")
	}
	return nil
}

func (r *Receiver) commit(ctx context.Context) error {
	r.log.Info("CRC OK, writing metadata")

	meta := image.NewMetadata(r.session.ExpectedLength, r.session.ExpectedChecksum)
	return r.region.Program(layout.Offset, meta.Encode())
}

func (r *Receiver) ack() error {
	return fault.Transport("write ack", r.link.Write([]byte{protocol.Ack}))
}

func (r *Receiver) result() Result {
	return Result{State: r.state, Session: r.session}
}

func (r *Receiver) fields() logrus.Fields {
	return logrus.Fields{
		"state":    r.state.String(),
		"length":   r.session.ExpectedLength,
		"crc":      fmt.Sprintf("0x%08X", r.session.ExpectedChecksum),
		"received": r.session.BytesReceived,
	}
}
