package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange indicates a write outside the region allowed for the
	// current operation.
	ErrOutOfRange = errors.New("address out of range")

	// ErrWriteVerifyFailed indicates that read-back after programming did
	// not match the data written.
	ErrWriteVerifyFailed = errors.New("write verify failed")

	// ErrUnaligned indicates an address or length that is not a whole number
	// of words.
	ErrUnaligned = errors.New("unaligned write")

	// ErrNoSession indicates a write before Begin.
	ErrNoSession = errors.New("no programming session")

	// ErrUnknownGeometry indicates a device whose flash layout cannot be
	// derived from its information page.
	ErrUnknownGeometry = errors.New("unknown flash geometry")
)

// RangeError reports a rejected span.
type RangeError struct {
	Addr   uint32
	Length int
	Region Region
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("write of %d bytes at 0x%08X outside %s", e.Length, e.Addr, e.Region)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// WriteVerifyError reports the first word that read back wrong.
type WriteVerifyError struct {
	Addr     uint32
	Expected uint32
	Actual   uint32
}

func (e *WriteVerifyError) Error() string {
	return fmt.Sprintf("verify failed at 0x%08X: expected 0x%08X, got 0x%08X",
		e.Addr, e.Expected, e.Actual)
}

func (e *WriteVerifyError) Unwrap() error { return ErrWriteVerifyFailed }
