package xmodem

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProtocol marks a malformed or mismatched frame.
	ErrProtocol = errors.New("xmodem protocol error")

	// ErrRetriesExhausted is returned when too many consecutive frames were
	// rejected, or the sender never started.
	ErrRetriesExhausted = errors.New("xmodem retries exhausted")

	// ErrCancelled is returned when the other side sent CAN.
	ErrCancelled = errors.New("xmodem transfer cancelled")

	// ErrOutOfSpace is returned when a block would run past the region end.
	ErrOutOfSpace = errors.New("xmodem transfer does not fit region")
)

// AbortError reports why a session ended early and how far it got.
type AbortError struct {
	State   State
	Cursor  uint32
	Packets int
	// Idle is the time since the last accepted packet.
	Idle time.Duration
	Err  error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("xmodem aborted in %s at 0x%08X after %d packets: %v", e.State, e.Cursor, e.Packets, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}
