// Package sim implements internal/hw against in-memory models so the
// bootloader can run on a workstation and in tests.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Bank is one contiguous block of non-volatile memory.
type Bank struct {
	Name     string
	Base     uint32
	Size     uint32
	PageSize uint32
	data     []byte
}

// Memory is a flash model: erased bytes read 0xFF, programming can only
// clear bits, and erase works on whole pages.
type Memory struct {
	mu    sync.Mutex
	banks []*Bank

	// Erases and Programs count operations for tests.
	Erases   int
	Programs int
}

// NewMemory creates a memory with the given banks, all erased.
func NewMemory(banks ...Bank) *Memory {
	m := &Memory{}
	for _, b := range banks {
		b := b
		b.data = make([]byte, b.Size)
		for i := range b.data {
			b.data[i] = 0xFF
		}
		m.banks = append(m.banks, &b)
	}
	return m
}

func (m *Memory) bank(addr, n uint32) (*Bank, uint32, error) {
	for _, b := range m.banks {
		if addr >= b.Base && uint64(addr)+uint64(n) <= uint64(b.Base)+uint64(b.Size) {
			return b, addr - b.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("address 0x%08X+%d not mapped", addr, n)
}

// Read copies memory at addr into buf.
func (m *Memory) Read(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, off, err := m.bank(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, b.data[off:])
	return nil
}

// ReadWord reads a little-endian word.
func (m *Memory) ReadWord(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := m.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ProgramWord ANDs value into the word at addr.
func (m *Memory) ProgramWord(addr, value uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("unaligned word address 0x%08X", addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, off, err := m.bank(addr, 4)
	if err != nil {
		return err
	}
	old := binary.LittleEndian.Uint32(b.data[off:])
	binary.LittleEndian.PutUint32(b.data[off:], old&value)
	m.Programs++
	return nil
}

// ErasePage erases the page containing addr.
func (m *Memory) ErasePage(addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, off, err := m.bank(addr, 1)
	if err != nil {
		return err
	}
	start := off - off%b.PageSize
	for i := start; i < start+b.PageSize && i < b.Size; i++ {
		b.data[i] = 0xFF
	}
	m.Erases++
	return nil
}

// Poke writes raw bytes without flash semantics. It stands in for a
// factory programmer in tests.
func (m *Memory) Poke(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, off, err := m.bank(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(b.data[off:], data)
	return nil
}

// WriteTo stores every bank, in order, to w.
func (m *Memory) WriteTo(w io.Writer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.banks {
		n, err := w.Write(b.data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to save bank %s: %w", b.Name, err)
		}
	}
	return total, nil
}

// ReadFrom loads banks previously stored with WriteTo. A short image leaves
// the remaining bytes erased.
func (m *Memory) ReadFrom(r io.Reader) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.banks {
		n, err := io.ReadFull(r, b.data)
		total += int64(n)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("failed to load bank %s: %w", b.Name, err)
		}
	}
	return total, nil
}
