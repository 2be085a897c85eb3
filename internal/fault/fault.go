// Package fault defines the error taxonomy shared by the bootloader stages.
//
// Every typed error matches its sentinel with errors.Is, so callers can branch
// on the class of failure without caring which stage produced it:
//
//	if errors.Is(err, fault.ErrFlash) { ... }
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors, one per class.
var (
	ErrTransport       = errors.New("transport fault")
	ErrFlash           = errors.New("flash fault")
	ErrImageInvalid    = errors.New("image invalid")
	ErrFatalCorruption = errors.New("fatal corruption")
)

// TransportFault is a read or write failure on the serial link.
type TransportFault struct {
	Op  string
	Err error
}

func (e *TransportFault) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportFault) Unwrap() error        { return e.Err }
func (e *TransportFault) Is(target error) bool { return target == ErrTransport }

// FlashFault is an erase, program or read failure, or an access outside the
// device.
type FlashFault struct {
	Op     string
	Offset uint32
	Length uint32
	Err    error
}

func (e *FlashFault) Error() string {
	msg := fmt.Sprintf("flash %s at 0x%08X (%d bytes) failed", e.Op, e.Offset, e.Length)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FlashFault) Unwrap() error        { return e.Err }
func (e *FlashFault) Is(target error) bool { return target == ErrFlash }

// ImageInvalid means the installed or received image is not bootable.
type ImageInvalid struct {
	Reason string
}

func (e *ImageInvalid) Error() string {
	return fmt.Sprintf("image invalid: %s", e.Reason)
}

func (e *ImageInvalid) Is(target error) bool { return target == ErrImageInvalid }

// Invalid is shorthand for building an ImageInvalid.
func Invalid(format string, args ...interface{}) error {
	return &ImageInvalid{Reason: fmt.Sprintf(format, args...)}
}

// FatalCorruption is a vector table that fails the final sanity check right
// before the jump. There is no recovery from it.
type FatalCorruption struct {
	Base  uint32
	SP    uint32
	Entry uint32
	Err   error
}

func (e *FatalCorruption) Error() string {
	msg := fmt.Sprintf("invalid application at 0x%08X (sp=0x%08X entry=0x%08X)", e.Base, e.SP, e.Entry)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalCorruption) Unwrap() error        { return e.Err }
func (e *FatalCorruption) Is(target error) bool { return target == ErrFatalCorruption }

// Transport wraps err as a TransportFault for op. A nil err stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportFault{Op: op, Err: errors.Cause(err)}
}
