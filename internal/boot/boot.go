// Package boot decides whether an application image is present and hands
// control to it, or leaves the USB bus cleanly and resets.
package boot

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/flash"
	"github.com/usbthing/bootloader/internal/hw"
)

var (
	// ErrBooted is returned once control has passed to the application. On
	// hardware the call never returns.
	ErrBooted = errors.New("control passed to application")

	// ErrReset is returned once a reset has been requested.
	ErrReset = errors.New("device reset")

	// ErrNoApplication is returned when the vector table at the application
	// base is not usable.
	ErrNoApplication = errors.New("no valid application")
)

const erasedWord = 0xFFFFFFFF

// Vectors are the first two words of the application's vector table.
type Vectors struct {
	SP uint32
	PC uint32
}

// Sequencer owns the exits from the bootloader.
type Sequencer struct {
	mem   hw.Memory
	cpu   hw.CPU
	usb   hw.USB
	clock hw.Clock
	log   logrus.FieldLogger

	app flash.Region
	ram flash.Region
}

// New creates a sequencer for an application occupying app whose stack must
// lie in ram. usb may be nil when the bootloader never started it.
func New(h *hw.Context, app, ram flash.Region, log logrus.FieldLogger) *Sequencer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sequencer{
		mem:   h.Memory,
		cpu:   h.CPU,
		usb:   h.USB,
		clock: h.Clock,
		log:   log.WithField("component", "boot"),
		app:   app,
		ram:   ram,
	}
}

// ReadVectors reads the initial SP and reset PC of the application.
func (s *Sequencer) ReadVectors() (Vectors, error) {
	sp, err := s.mem.ReadWord(s.app.Start)
	if err != nil {
		return Vectors{}, fmt.Errorf("read initial SP: %w", err)
	}
	pc, err := s.mem.ReadWord(s.app.Start + 4)
	if err != nil {
		return Vectors{}, fmt.Errorf("read reset vector: %w", err)
	}
	return Vectors{SP: sp, PC: pc}, nil
}

// Check reports why the application image cannot be started, or nil.
func (s *Sequencer) Check() error {
	v, err := s.ReadVectors()
	if err != nil {
		return err
	}
	// The stack grows down, so an SP equal to the end of RAM is valid.
	if v.SP < s.ram.Start || v.SP > s.ram.End || v.SP%4 != 0 {
		return fmt.Errorf("%w: initial SP 0x%08X", ErrNoApplication, v.SP)
	}
	if v.PC == erasedWord || v.PC <= s.app.Start || v.PC >= s.app.End {
		return fmt.Errorf("%w: reset vector 0x%08X", ErrNoApplication, v.PC)
	}
	return nil
}

// IsApplicationValid reports whether the application vector table points
// into RAM and the application region. It has no side effects.
func (s *Sequencer) IsApplicationValid() bool {
	return s.Check() == nil
}

// Boot jumps to the application. It refuses an invalid image.
func (s *Sequencer) Boot() error {
	if err := s.Check(); err != nil {
		return err
	}
	v, _ := s.ReadVectors()
	s.log.WithFields(logrus.Fields{
		"sp": fmt.Sprintf("0x%08X", v.SP),
		"pc": fmt.Sprintf("0x%08X", v.PC),
	}).Info("booting application")

	s.cpu.DisableInterrupts()
	s.cpu.SetVectorTable(s.app.Start)
	if err := s.cpu.Jump(v.SP, v.PC); err != nil {
		return fmt.Errorf("jump to application: %w", err)
	}
	return ErrBooted
}

// Disconnect waits pre, drops off the USB bus and waits post so the host
// sees the device leave before anything else happens.
func (s *Sequencer) Disconnect(pre, post time.Duration) {
	s.clock.Sleep(pre)
	if s.usb != nil {
		if err := s.usb.Disconnect(); err != nil {
			s.log.WithError(err).Warn("usb disconnect failed")
		}
	}
	s.clock.Sleep(post)
}

// DisconnectAndReset disconnects and then resets the device.
func (s *Sequencer) DisconnectAndReset(pre, post time.Duration) error {
	s.Disconnect(pre, post)
	s.log.Info("resetting")
	if err := s.cpu.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return ErrReset
}
