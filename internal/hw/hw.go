// Package hw describes the peripherals the bootloader drives. Every component
// receives the pieces it needs from a Context instead of touching global
// registers, so the whole bootloader can run against internal/hw/sim.
package hw

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by byte-oriented reads when nothing arrived in time.
var ErrTimeout = errors.New("read timeout")

// Family identifies the device family read from the device information page.
type Family uint8

// Device families with distinct flash geometry.
const (
	FamilyUnknown Family = iota
	FamilyGecko
	FamilyTinyGecko
	FamilyLeopardGecko
	FamilyGiantGecko
	FamilyZeroGecko
	FamilyWonderGecko
)

func (f Family) String() string {
	switch f {
	case FamilyGecko:
		return "Gecko"
	case FamilyTinyGecko:
		return "Tiny Gecko"
	case FamilyLeopardGecko:
		return "Leopard Gecko"
	case FamilyGiantGecko:
		return "Giant Gecko"
	case FamilyZeroGecko:
		return "Zero Gecko"
	case FamilyWonderGecko:
		return "Wonder Gecko"
	default:
		return "unknown"
	}
}

// DeviceInfo is the read-only device information page.
type DeviceInfo struct {
	Family      Family
	FlashSizeKB uint32
	RAMSizeKB   uint32
	UniqueH     uint32
	UniqueL     uint32
}

// Memory is the non-volatile memory controller.
//
// ProgramWord follows flash semantics: bits can only be cleared, so the
// stored value is old&value. ErasePage sets every byte of the page holding
// addr to 0xFF.
type Memory interface {
	Read(addr uint32, buf []byte) error
	ReadWord(addr uint32) (uint32, error)
	ProgramWord(addr, value uint32) error
	ErasePage(addr uint32) error
}

// Clock provides time to the delay and polling loops.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// UART is the bootloader serial port.
type UART interface {
	GetByte(timeout time.Duration) (byte, error)
	Write(p []byte) (int, error)
	SetBaudRate(baud int) error
}

// EdgeSource reports the timestamp of each level change on the UART RX pin.
type EdgeSource interface {
	NextEdge(ctx context.Context) (time.Duration, error)
}

// USB is the enumerated CDC virtual serial device. Enumeration itself is
// owned by the USB stack; the bootloader only sees the data endpoints.
type USB interface {
	Configured() bool
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, data []byte) (int, error)
	Disconnect() error
}

// CPU covers the core operations used on the way out of the bootloader.
type CPU interface {
	DisableInterrupts()
	SetVectorTable(addr uint32)
	Jump(sp, pc uint32) error
	Reset() error
	DebugSessionActive() bool
}

// Board is the button and the two status LEDs.
type Board interface {
	ButtonPressed() bool
	SetLED(n int, on bool)
}

// LED indexes.
const (
	LED0 = 0
	LED1 = 1
)

// Context bundles the peripherals of one device.
type Context struct {
	Info   DeviceInfo
	Memory Memory
	Clock  Clock
	UART   UART
	Edges  EdgeSource
	USB    USB
	CPU    CPU
	Board  Board
}
