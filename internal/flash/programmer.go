// Package flash programs non-volatile memory one region-bounded session at a
// time.
//
// A session is opened with Begin. Every Write is checked against the session
// region before the hardware is touched. Each erase unit is erased at most
// once per session, just before the first write that lands in it. Data is
// programmed a word at a time and read back.
package flash

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/hw"
)

// InfoPageSize is the erase unit of the user and lock pages.
const InfoPageSize = 512

// WordSize is the programming granularity.
const WordSize = 4

// Programmer erases and writes flash through hw.Memory.
type Programmer struct {
	mem  hw.Memory
	geom Geometry
	log  logrus.FieldLogger

	region  Region
	active  bool
	erased  map[uint32]bool
	crc     uint16
	written int
}

// NewProgrammer creates a programmer for memory with the given geometry.
func NewProgrammer(mem hw.Memory, geom Geometry, log logrus.FieldLogger) *Programmer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Programmer{
		mem:  mem,
		geom: geom,
		log:  log.WithField("component", "flash"),
	}
}

// Geometry returns the cached flash geometry.
func (p *Programmer) Geometry() Geometry {
	return p.geom
}

// Begin opens a session bounded by r. Any previous session is discarded.
func (p *Programmer) Begin(r Region) {
	p.region = r
	p.active = true
	p.erased = make(map[uint32]bool)
	p.crc = 0
	p.written = 0
	p.log.WithField("region", r.String()).Debug("programming session started")
}

// pageAt returns the base and size of the erase unit holding addr.
func (p *Programmer) pageAt(addr uint32) (uint32, uint32) {
	size := uint32(InfoPageSize)
	if addr < p.geom.FlashSize {
		size = p.geom.PageSize
	}
	return addr - addr%size, size
}

// Write programs data at addr.
func (p *Programmer) Write(addr uint32, data []byte) error {
	if !p.active {
		return ErrNoSession
	}
	if !p.region.Contains(addr, len(data)) {
		return &RangeError{Addr: addr, Length: len(data), Region: p.region}
	}
	if addr%WordSize != 0 || len(data)%WordSize != 0 {
		return fmt.Errorf("%w: %d bytes at 0x%08X", ErrUnaligned, len(data), addr)
	}
	if len(data) == 0 {
		return nil
	}

	if !p.region.ProgramOnly {
		if err := p.eraseSpan(addr, uint32(len(data))); err != nil {
			return err
		}
	}

	for i := 0; i < len(data); i += WordSize {
		a := addr + uint32(i)
		w := binary.LittleEndian.Uint32(data[i:])
		if err := p.mem.ProgramWord(a, w); err != nil {
			return fmt.Errorf("program word at 0x%08X: %w", a, err)
		}
		got, err := p.mem.ReadWord(a)
		if err != nil {
			return fmt.Errorf("read back at 0x%08X: %w", a, err)
		}
		if got != w {
			p.log.WithFields(logrus.Fields{
				"addr": fmt.Sprintf("0x%08X", a),
				"want": fmt.Sprintf("0x%08X", w),
				"got":  fmt.Sprintf("0x%08X", got),
			}).Warn("write verify failed")
			return &WriteVerifyError{Addr: a, Expected: w, Actual: got}
		}
	}

	p.crc = crc.Update(p.crc, data)
	p.written += len(data)
	return nil
}

func (p *Programmer) eraseSpan(addr, n uint32) error {
	end := addr + n
	for a := addr; a < end; {
		base, size := p.pageAt(a)
		if !p.erased[base] {
			page := Region{Name: "page", Start: base, End: base + size}
			if base < p.region.Start || page.End > p.region.End {
				return &RangeError{Addr: base, Length: int(size), Region: p.region}
			}
			if err := p.mem.ErasePage(base); err != nil {
				return fmt.Errorf("erase page at 0x%08X: %w", base, err)
			}
			p.erased[base] = true
			p.log.WithField("page", fmt.Sprintf("0x%08X", base)).Debug("page erased")
		}
		a = base + size
	}
	return nil
}

// WriteCRC is the CRC of everything written in the current session, in
// write order.
func (p *Programmer) WriteCRC() uint16 {
	return p.crc
}

// Written is the number of bytes written in the current session.
func (p *Programmer) Written() int {
	return p.written
}

// LockDebug clears the debug-lock word at addr and checks that it reads back
// as zero. The word is never erased, so locking is permanent and repeating
// it is harmless.
func (p *Programmer) LockDebug(addr uint32) error {
	if addr%WordSize != 0 {
		return fmt.Errorf("%w: lock word 0x%08X", ErrUnaligned, addr)
	}
	if err := p.mem.ProgramWord(addr, 0); err != nil {
		return fmt.Errorf("program lock word: %w", err)
	}
	got, err := p.mem.ReadWord(addr)
	if err != nil {
		return fmt.Errorf("read lock word: %w", err)
	}
	if got != 0 {
		return &WriteVerifyError{Addr: addr, Expected: 0, Actual: got}
	}
	p.log.Info("debug lock word cleared")
	return nil
}
