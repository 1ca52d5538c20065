package flash

import (
	"fmt"

	"github.com/usbthing/bootloader/internal/hw"
)

// Region is a span of non-volatile memory, End exclusive.
type Region struct {
	Name  string
	Start uint32
	End   uint32

	// ProgramOnly regions are never erased; writes can only clear bits.
	ProgramOnly bool
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint32 {
	return r.End - r.Start
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr uint32, n int) bool {
	if n < 0 || addr < r.Start {
		return false
	}
	return uint64(addr)+uint64(n) <= uint64(r.End)
}

// Overlaps reports whether two regions share any byte.
func (r Region) Overlaps(o Region) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Region) String() string {
	return fmt.Sprintf("%s [0x%08X,0x%08X)", r.Name, r.Start, r.End)
}

// Geometry is the flash layout probed from the device information page.
type Geometry struct {
	Family    hw.Family
	FlashSize uint32
	PageSize  uint32
}

// Probe derives the flash geometry from the device information.
func Probe(info hw.DeviceInfo) (Geometry, error) {
	g := Geometry{
		Family:    info.Family,
		FlashSize: info.FlashSizeKB * 1024,
	}
	switch info.Family {
	case hw.FamilyGecko, hw.FamilyTinyGecko:
		g.PageSize = 512
	case hw.FamilyZeroGecko:
		g.PageSize = 1024
	case hw.FamilyLeopardGecko, hw.FamilyWonderGecko:
		g.PageSize = 2048
	case hw.FamilyGiantGecko:
		if info.FlashSizeKB > 512 {
			g.PageSize = 4096
		} else {
			g.PageSize = 2048
		}
	default:
		return Geometry{}, fmt.Errorf("%w: family %d", ErrUnknownGeometry, info.Family)
	}
	if g.FlashSize == 0 || g.FlashSize%g.PageSize != 0 {
		return Geometry{}, fmt.Errorf("%w: flash size %d KB", ErrUnknownGeometry, info.FlashSizeKB)
	}
	return g, nil
}
