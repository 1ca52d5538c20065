// Package crc implements the CRC-16 used both by XMODEM packets and by the
// bootloader verify commands (CRC-16/XMODEM: polynomial 0x1021, initial
// value 0, no reflection, no final XOR). Host tools compare against this
// value, so the parameters must not change.
package crc

import "fmt"

// Polynomial is the CRC-16-CCITT generator.
const Polynomial = 0x1021

// chunkSize bounds the buffer used when streaming memory.
const chunkSize = 256

// Update continues a running CRC over data.
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ Polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Checksum returns the CRC of data.
func Checksum(data []byte) uint16 {
	return Update(0, data)
}

// Reader reads memory by address.
type Reader interface {
	Read(addr uint32, buf []byte) error
}

// Region streams every byte in [start, end) of mem through the CRC.
func Region(mem Reader, start, end uint32) (uint16, error) {
	if end < start {
		return 0, fmt.Errorf("invalid range [0x%08X,0x%08X)", start, end)
	}
	var (
		crc uint16
		buf [chunkSize]byte
	)
	for addr := start; addr < end; {
		n := end - addr
		if n > chunkSize {
			n = chunkSize
		}
		if err := mem.Read(addr, buf[:n]); err != nil {
			return 0, fmt.Errorf("read 0x%08X: %w", addr, err)
		}
		crc = Update(crc, buf[:n])
		addr += n
	}
	return crc, nil
}
