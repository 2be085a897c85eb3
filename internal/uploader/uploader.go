// Package uploader sends an application image to a device sitting in update
// mode, speaking the same serial wire protocol as the device-side receiver.
package uploader

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/uartboot/internal/fault"
	"github.com/bigbag/uartboot/internal/image"
	"github.com/bigbag/uartboot/internal/layout"
	"github.com/bigbag/uartboot/internal/protocol"
)

// ErrNoAck is returned when the device does not acknowledge in time.
var ErrNoAck = errors.New("no acknowledgement from device")

// ProgressCallback is called to report upload progress.
type ProgressCallback func(current, total int)

// Options tunes an Uploader. Zero values select the defaults.
type Options struct {
	// EraseTimeout bounds the wait for the erase acknowledgement.
	EraseTimeout time.Duration

	// AckTimeout bounds the wait for each chunk acknowledgement.
	AckTimeout time.Duration

	// EnterDelay is how long Enter waits after asking the application to
	// reboot before sending the menu key.
	EnterDelay time.Duration

	// Force skips the vector table pre-flight check.
	Force bool

	Logger logrus.FieldLogger
}

const (
	DefaultEraseTimeout = 30 * time.Second
	DefaultAckTimeout   = 5 * time.Second
	DefaultEnterDelay   = 500 * time.Millisecond

	enterAttempts = 3
)

// Uploader handles uploading firmware to a device over a protocol.Transport.
type Uploader struct {
	link     protocol.Transport
	opts     Options
	progress ProgressCallback
}

// New creates a new Uploader for the given link.
func New(link protocol.Transport, opts Options) *Uploader {
	if opts.EraseTimeout <= 0 {
		opts.EraseTimeout = DefaultEraseTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.EnterDelay <= 0 {
		opts.EnterDelay = DefaultEnterDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Uploader{link: link, opts: opts}
}

// SetProgressCallback sets the progress callback function.
func (u *Uploader) SetProgressCallback(cb ProgressCallback) {
	u.progress = cb
}

func (u *Uploader) reportProgress(current, total int) {
	if u.progress != nil {
		u.progress(current, total)
	}
}

// Enter asks a running application to reboot and then presses the update
// key during the bootloader's wait window. It is harmless when the device
// already waits in update mode: the receiver discards everything until sync.
func (u *Uploader) Enter(ctx context.Context) error {
	if err := u.link.Write([]byte(protocol.RebootCommand)); err != nil {
		return errors.Wrap(err, "send reboot command")
	}
	if err := sleep(ctx, u.opts.EnterDelay); err != nil {
		return err
	}

	for i := 0; i < enterAttempts; i++ {
		if err := u.link.Write([]byte{protocol.KeyUpdate}); err != nil {
			return errors.Wrap(err, "send update key")
		}
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// Check runs the pre-flight checks Upload applies to data. force skips the
// vector table check but never the capacity check.
func Check(data []byte, force bool) error {
	if uint64(len(data)) > uint64(layout.AppCapacity()) {
		return fault.Invalid("image is %d bytes, application region holds %d", len(data), layout.AppCapacity())
	}
	if force {
		return nil
	}
	if len(data) < 8 {
		return fault.Invalid("image is %d bytes, too short for a vector table", len(data))
	}
	sp := binary.LittleEndian.Uint32(data[0:4])
	entry := binary.LittleEndian.Uint32(data[4:8])
	return image.CheckVectors(sp, entry)
}

// Upload transfers data: sync, header, erase acknowledgement, then one
// acknowledged chunk at a time. The device verifies and commits after the
// last chunk and resets into the new image.
func (u *Uploader) Upload(ctx context.Context, data []byte) error {
	if err := Check(data, u.opts.Force); err != nil {
		return errors.Wrap(err, "pre-flight")
	}

	header := protocol.Header{
		Length:   uint32(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	log := u.opts.Logger.WithFields(logrus.Fields{
		"length": header.Length,
		"crc":    hex32(header.Checksum),
	})

	log.Debug("sending sync and header")
	frame := append([]byte{protocol.Sync}, header.Encode()...)
	if err := u.link.Write(frame); err != nil {
		return errors.Wrap(err, "send header")
	}

	log.Debug("waiting for erase")
	if err := u.waitAck(ctx, u.opts.EraseTimeout); err != nil {
		return errors.Wrap(err, "erase")
	}

	total := int(protocol.ChunkCount(header.Length))
	for seq := 0; seq < total; seq++ {
		start := seq * protocol.ChunkSize
		end := start + protocol.ChunkSize
		if end > len(data) {
			end = len(data)
		}

		if err := u.link.Write(data[start:end]); err != nil {
			return errors.Wrapf(err, "send chunk %d", seq)
		}
		if err := u.waitAck(ctx, u.opts.AckTimeout); err != nil {
			return errors.Wrapf(err, "chunk %d", seq)
		}

		u.reportProgress(seq+1, total)
	}

	log.Info("upload complete")
	return nil
}

// waitAck reads until an ack arrives or timeout passes. Other bytes are
// dropped.
func (u *Uploader) waitAck(ctx context.Context, timeout time.Duration) error {
	ackCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		b, err := protocol.ReadByte(ackCtx, u.link)
		switch {
		case err == nil && b == protocol.Ack:
			return nil
		case err == nil:
			u.opts.Logger.Debugf("unexpected byte 0x%02x while waiting for ack", b)
		case ctx.Err() != nil:
			return ctx.Err()
		case ackCtx.Err() != nil:
			return errors.Wrapf(ErrNoAck, "after %v", timeout)
		default:
			return fault.Transport("read ack", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
