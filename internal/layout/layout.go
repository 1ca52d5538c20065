// Package layout fixes the memory map shared by the bootloader, the
// simulator and the host tools.
//
// The command loop and all of its state run from RAM (the control segment).
// Every region a command may erase or write lies in flash or the
// information pages, all of which sit below RAMBase. The constant
// expressions at the bottom of this file stop the build if that ever
// changes.
package layout

import (
	"github.com/usbthing/bootloader/internal/flash"
)

// Memory map.
const (
	// DefaultBootloaderSize is the flash reserved for the bootloader image.
	DefaultBootloaderSize = 0x4000

	// MaxFlashSize is the largest main flash of any supported device.
	MaxFlashSize = 0x100000

	UserPageStart = 0x0FE00000
	UserPageEnd   = 0x0FE00200
	LockPageStart = 0x0FE04000
	LockPageEnd   = 0x0FE04200

	// DebugLockWord is word 127 of the lock page.
	DebugLockWord = LockPageStart + 127*4

	// RAMBase is the start of SRAM, where the control segment runs.
	RAMBase = 0x20000000
)

// Compile-time partition checks: each constant underflows uint32 (a build
// error) if its pair of regions overlap.
const (
	_ uint32 = UserPageStart - MaxFlashSize
	_ uint32 = LockPageStart - UserPageEnd
	_ uint32 = RAMBase - LockPageEnd
	_ uint32 = LockPageEnd - (DebugLockWord + 4)
)

// Regions are the command targets of one device.
type Regions struct {
	Full        flash.Region
	Application flash.Region
	UserPage    flash.Region
	LockPage    flash.Region
}

// ForDevice builds the regions for a device with the given geometry.
func ForDevice(g flash.Geometry, bootloaderSize uint32) Regions {
	return Regions{
		Full:        flash.Region{Name: "flash", Start: 0, End: g.FlashSize},
		Application: flash.Region{Name: "application", Start: bootloaderSize, End: g.FlashSize},
		UserPage:    flash.Region{Name: "user page", Start: UserPageStart, End: UserPageEnd},
		LockPage:    flash.Region{Name: "lock page", Start: LockPageStart, End: LockPageEnd, ProgramOnly: true},
	}
}

// ControlSegment is the RAM span holding the command loop.
func ControlSegment(ramSizeKB uint32) flash.Region {
	return flash.Region{Name: "control", Start: RAMBase, End: RAMBase + ramSizeKB*1024}
}

// Writable lists every region a command may modify.
func (r Regions) Writable() []flash.Region {
	return []flash.Region{r.Full, r.Application, r.UserPage, r.LockPage}
}
