package boot_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/boot"
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

func newSequencer(clock hw.Clock) (*boot.Sequencer, *sim.Device) {
	dev := sim.NewDevice(sim.DefaultInfo, clock)
	app := flash.Region{Name: "application", Start: layout.DefaultBootloaderSize, End: dev.Info.FlashSizeKB * 1024}
	ram := layout.ControlSegment(dev.Info.RAMSizeKB)
	return boot.New(dev.Context(), app, ram, quietLogger()), dev
}

func TestCheck(t *testing.T) {
	const base = layout.DefaultBootloaderSize
	ramEnd := uint32(layout.RAMBase + 32*1024)
	tests := []struct {
		name   string
		sp, pc uint32
		valid  bool
	}{
		{"typical", ramEnd, base + 0x101, true},
		{"stack mid ram", layout.RAMBase + 0x1000, base + 0x2001, true},
		{"erased", 0xFFFFFFFF, 0xFFFFFFFF, false},
		{"stack in flash", 0x8000, base + 0x101, false},
		{"stack past ram", ramEnd + 4, base + 0x101, false},
		{"stack unaligned", ramEnd - 2, base + 0x101, false},
		{"pc at base", ramEnd, base, false},
		{"pc in bootloader", ramEnd, 0x201, false},
		{"pc past flash", ramEnd, 128 * 1024, false},
	}
	for _, tt := range tests {
		s, dev := newSequencer(nil)
		if tt.sp != 0xFFFFFFFF {
			dev.Memory.Poke(base, le(tt.sp))
			dev.Memory.Poke(base+4, le(tt.pc))
		}
		err := s.Check()
		if tt.valid && err != nil {
			t.Errorf("%s: Check() = %v, want nil", tt.name, err)
		}
		if !tt.valid && !errors.Is(err, boot.ErrNoApplication) {
			t.Errorf("%s: Check() = %v, want ErrNoApplication", tt.name, err)
		}
		if s.IsApplicationValid() != tt.valid {
			t.Errorf("%s: IsApplicationValid() = %v, want %v", tt.name, !tt.valid, tt.valid)
		}
	}
}

func le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestBoot(t *testing.T) {
	s, dev := newSequencer(nil)
	if err := s.Boot(); !errors.Is(err, boot.ErrNoApplication) {
		t.Fatalf("Boot() on erased flash = %v, want ErrNoApplication", err)
	}
	if dev.CPU.Jumps != 0 {
		t.Fatal("Boot() jumped to an erased image")
	}

	dev.Memory.Poke(layout.DefaultBootloaderSize, le(layout.RAMBase+0x8000))
	dev.Memory.Poke(layout.DefaultBootloaderSize+4, le(layout.DefaultBootloaderSize+0xC1))
	if err := s.Boot(); !errors.Is(err, boot.ErrBooted) {
		t.Fatalf("Boot() = %v, want ErrBooted", err)
	}
	if !dev.CPU.InterruptsDisabled {
		t.Error("interrupts still enabled at jump")
	}
	if dev.CPU.VectorTable != layout.DefaultBootloaderSize {
		t.Errorf("VTOR = 0x%X, want 0x%X", dev.CPU.VectorTable, layout.DefaultBootloaderSize)
	}
	if dev.CPU.JumpSP != layout.RAMBase+0x8000 || dev.CPU.JumpPC != layout.DefaultBootloaderSize+0xC1 {
		t.Errorf("jump = SP 0x%X PC 0x%X", dev.CPU.JumpSP, dev.CPU.JumpPC)
	}
}

func TestDisconnectAndReset(t *testing.T) {
	clock := sim.NewFakeClock()
	s, dev := newSequencer(clock)
	dev.USB.SetConfigured(true)

	if err := s.DisconnectAndReset(5*time.Second, 2*time.Second); !errors.Is(err, boot.ErrReset) {
		t.Fatalf("DisconnectAndReset() = %v, want ErrReset", err)
	}
	if dev.USB.Configured() || dev.USB.Disconnects() != 1 {
		t.Errorf("usb configured = %v, disconnects = %d; want false, 1", dev.USB.Configured(), dev.USB.Disconnects())
	}
	if dev.CPU.Resets != 1 {
		t.Errorf("resets = %d, want 1", dev.CPU.Resets)
	}
	if clock.Slept != 7*time.Second {
		t.Errorf("slept %v, want 7s", clock.Slept)
	}
}
