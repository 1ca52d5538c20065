package sim

import (
	"github.com/usbthing/bootloader/internal/flash"
	"github.com/usbthing/bootloader/internal/hw"
	"github.com/usbthing/bootloader/internal/layout"
)

// DefaultInfo is a 128 KB Giant Gecko with a fixed unique ID.
var DefaultInfo = hw.DeviceInfo{
	Family:      hw.FamilyGiantGecko,
	FlashSizeKB: 128,
	RAMSizeKB:   32,
	UniqueH:     0x0B0E1F2A,
	UniqueL:     0x00C0FFEE,
}

// Device is a complete simulated board. The Host* endpoints are the far
// ends of the USB and UART links.
type Device struct {
	Info   hw.DeviceInfo
	Memory *Memory
	Board  *Board
	CPU    *CPU
	USB    *USB
	UART   *UART
	Edges  *Edges

	HostUSB  *Endpoint
	HostUART *Endpoint

	clock hw.Clock
}

// NewDevice builds an erased device. A nil clock selects wall time.
func NewDevice(info hw.DeviceInfo, clock hw.Clock) *Device {
	if clock == nil {
		clock = RealClock{}
	}
	pageSize := uint32(2048)
	if g, err := flash.Probe(info); err == nil {
		pageSize = g.PageSize
	}
	mem := NewMemory(
		Bank{Name: "flash", Base: 0, Size: info.FlashSizeKB * 1024, PageSize: pageSize},
		Bank{Name: "user", Base: layout.UserPageStart, Size: layout.UserPageEnd - layout.UserPageStart, PageSize: 512},
		Bank{Name: "lock", Base: layout.LockPageStart, Size: layout.LockPageEnd - layout.LockPageStart, PageSize: 512},
	)
	usbDev, usbHost := NewLink()
	uartDev, uartHost := NewLink()
	return &Device{
		Info:     info,
		Memory:   mem,
		Board:    &Board{},
		CPU:      &CPU{},
		USB:      NewUSB(usbDev),
		UART:     NewUART(uartDev),
		Edges:    NewEdges(),
		HostUSB:  usbHost,
		HostUART: uartHost,
		clock:    clock,
	}
}

// Context returns the hardware context for the bootloader.
func (d *Device) Context() *hw.Context {
	return &hw.Context{
		Info:   d.Info,
		Memory: d.Memory,
		Clock:  d.clock,
		UART:   d.UART,
		Edges:  d.Edges,
		USB:    d.USB,
		CPU:    d.CPU,
		Board:  d.Board,
	}
}
