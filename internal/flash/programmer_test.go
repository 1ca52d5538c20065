package flash_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/flash"
	"github.com/usbthing/bootloader/internal/hw"
	"github.com/usbthing/bootloader/internal/hw/sim"
	"github.com/usbthing/bootloader/internal/layout"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newProgrammer(t *testing.T) (*flash.Programmer, *sim.Device, layout.Regions) {
	t.Helper()
	dev := sim.NewDevice(sim.DefaultInfo, nil)
	g, err := flash.Probe(dev.Info)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	return flash.NewProgrammer(dev.Memory, g, quietLogger()), dev, layout.ForDevice(g, layout.DefaultBootloaderSize)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

func TestProbe(t *testing.T) {
	tests := []struct {
		info hw.DeviceInfo
		page uint32
	}{
		{hw.DeviceInfo{Family: hw.FamilyGecko, FlashSizeKB: 128}, 512},
		{hw.DeviceInfo{Family: hw.FamilyTinyGecko, FlashSizeKB: 32}, 512},
		{hw.DeviceInfo{Family: hw.FamilyZeroGecko, FlashSizeKB: 32}, 1024},
		{hw.DeviceInfo{Family: hw.FamilyLeopardGecko, FlashSizeKB: 256}, 2048},
		{hw.DeviceInfo{Family: hw.FamilyGiantGecko, FlashSizeKB: 512}, 2048},
		{hw.DeviceInfo{Family: hw.FamilyGiantGecko, FlashSizeKB: 1024}, 4096},
	}
	for _, tt := range tests {
		g, err := flash.Probe(tt.info)
		if err != nil {
			t.Errorf("Probe(%v) error = %v", tt.info.Family, err)
			continue
		}
		if g.PageSize != tt.page {
			t.Errorf("Probe(%v %dKB) page = %d, want %d", tt.info.Family, tt.info.FlashSizeKB, g.PageSize, tt.page)
		}
		if g.FlashSize != tt.info.FlashSizeKB*1024 {
			t.Errorf("Probe(%v) flash = %d", tt.info.Family, g.FlashSize)
		}
	}

	if _, err := flash.Probe(hw.DeviceInfo{Family: hw.FamilyUnknown, FlashSizeKB: 64}); !errors.Is(err, flash.ErrUnknownGeometry) {
		t.Errorf("Probe(unknown) error = %v, want ErrUnknownGeometry", err)
	}
}

func TestWrite_RequiresSession(t *testing.T) {
	p, _, _ := newProgrammer(t)
	if err := p.Write(0x4000, make([]byte, 4)); !errors.Is(err, flash.ErrNoSession) {
		t.Errorf("Write() before Begin error = %v, want ErrNoSession", err)
	}
}

func TestWrite_OutOfRangeBeforeMutation(t *testing.T) {
	p, dev, r := newProgrammer(t)
	p.Begin(r.Application)

	spans := []struct {
		addr uint32
		n    int
	}{
		{0x0000, 128},
		{layout.DefaultBootloaderSize - 4, 8},
		{r.Application.End - 64, 128},
		{layout.UserPageStart, 4},
	}
	for _, s := range spans {
		err := p.Write(s.addr, pattern(s.n, 0x5A))
		var re *flash.RangeError
		if !errors.As(err, &re) || !errors.Is(err, flash.ErrOutOfRange) {
			t.Errorf("Write(0x%08X,%d) error = %v, want RangeError", s.addr, s.n, err)
		}
	}
	if dev.Memory.Erases != 0 || dev.Memory.Programs != 0 {
		t.Errorf("rejected writes touched hardware: erases=%d programs=%d", dev.Memory.Erases, dev.Memory.Programs)
	}
}

func TestWrite_Unaligned(t *testing.T) {
	p, _, r := newProgrammer(t)
	p.Begin(r.Application)
	if err := p.Write(r.Application.Start+2, make([]byte, 4)); !errors.Is(err, flash.ErrUnaligned) {
		t.Errorf("Write(unaligned addr) error = %v, want ErrUnaligned", err)
	}
	if err := p.Write(r.Application.Start, make([]byte, 3)); !errors.Is(err, flash.ErrUnaligned) {
		t.Errorf("Write(unaligned len) error = %v, want ErrUnaligned", err)
	}
}

func TestWrite_ErasesEachPageOnce(t *testing.T) {
	p, dev, r := newProgrammer(t)

	// Stale data in the first application page.
	if err := dev.Memory.Poke(r.Application.Start, bytes.Repeat([]byte{0x00}, 64)); err != nil {
		t.Fatal(err)
	}

	p.Begin(r.Application)
	page := p.Geometry().PageSize
	for off := uint32(0); off < page*2; off += 128 {
		if err := p.Write(r.Application.Start+off, pattern(128, byte(off))); err != nil {
			t.Fatalf("Write(+0x%X) error = %v", off, err)
		}
	}
	if dev.Memory.Erases != 2 {
		t.Errorf("Erases = %d, want 2", dev.Memory.Erases)
	}

	got := make([]byte, 128)
	if err := dev.Memory.Read(r.Application.Start, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pattern(128, 0)) {
		t.Error("first block does not read back as written")
	}

	// A new session erases again.
	p.Begin(r.Application)
	if err := p.Write(r.Application.Start, pattern(128, 1)); err != nil {
		t.Fatal(err)
	}
	if dev.Memory.Erases != 3 {
		t.Errorf("Erases after new session = %d, want 3", dev.Memory.Erases)
	}
}

func TestWrite_VerifyFailureOnProgramOnlyRegion(t *testing.T) {
	p, dev, r := newProgrammer(t)
	p.Begin(r.LockPage)

	if err := p.Write(layout.LockPageStart, []byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}

	// Setting bits back to one needs an erase, which the lock page never gets.
	p.Begin(r.LockPage)
	err := p.Write(layout.LockPageStart, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	var ve *flash.WriteVerifyError
	if !errors.As(err, &ve) || !errors.Is(err, flash.ErrWriteVerifyFailed) {
		t.Fatalf("Write() error = %v, want WriteVerifyError", err)
	}
	if ve.Addr != layout.LockPageStart || ve.Actual != 0 {
		t.Errorf("WriteVerifyError = %+v", ve)
	}
	if dev.Memory.Erases != 0 {
		t.Errorf("lock page erased %d times", dev.Memory.Erases)
	}
}

func TestWriteCRC_MatchesRegionCRC(t *testing.T) {
	p, dev, r := newProgrammer(t)
	p.Begin(r.Application)

	image := pattern(1024+128, 0xA5)
	for off := 0; off < len(image); off += 128 {
		if err := p.Write(r.Application.Start+uint32(off), image[off:off+128]); err != nil {
			t.Fatal(err)
		}
	}
	got, err := crc.Region(dev.Memory, r.Application.Start, r.Application.Start+uint32(len(image)))
	if err != nil {
		t.Fatal(err)
	}
	if got != p.WriteCRC() {
		t.Errorf("region CRC = 0x%04X, write CRC = 0x%04X", got, p.WriteCRC())
	}
	if p.Written() != len(image) {
		t.Errorf("Written() = %d, want %d", p.Written(), len(image))
	}
}

func TestLockDebug_Idempotent(t *testing.T) {
	p, dev, _ := newProgrammer(t)

	for i := 0; i < 2; i++ {
		if err := p.LockDebug(layout.DebugLockWord); err != nil {
			t.Fatalf("LockDebug() #%d error = %v", i+1, err)
		}
		w, err := dev.Memory.ReadWord(layout.DebugLockWord)
		if err != nil {
			t.Fatal(err)
		}
		if w != 0 {
			t.Errorf("lock word after LockDebug() #%d = 0x%08X, want 0", i+1, w)
		}
	}
	if dev.Memory.Erases != 0 {
		t.Errorf("LockDebug erased %d pages", dev.Memory.Erases)
	}
}
