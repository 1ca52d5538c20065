package bootloader

import (
	"errors"

	"github.com/usbthing/bootloader/internal/boot"
)

var (
	// ErrConnectionTimeout is returned by Connect when no host showed up.
	ErrConnectionTimeout = errors.New("no host connection")

	// ErrDebugSessionActive is returned when the guarded lock command finds
	// a debugger attached.
	ErrDebugSessionActive = errors.New("debug session active")

	// ErrPartition is returned by New when a writable region overlaps the
	// control segment.
	ErrPartition = errors.New("writable region overlaps control segment")
)

// IsExit reports whether err means control left the bootloader: the
// application was started or the device was reset.
func IsExit(err error) bool {
	return errors.Is(err, boot.ErrBooted) || errors.Is(err, boot.ErrReset)
}
