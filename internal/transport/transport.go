// Package transport presents the bootloader with one byte-oriented channel,
// backed either by the USB CDC device or by the autobauded UART.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/usbthing/bootloader/internal/hw"
)

// Channel is a byte stream with timed reads.
type Channel interface {
	GetByte(timeout time.Duration) (byte, error)
	Write(p []byte) (int, error)
}

// Transport adds the bootloader's text helpers to a Channel.
type Transport struct {
	ch   Channel
	kind string
}

// New wraps ch. kind names the backing channel in logs.
func New(ch Channel, kind string) *Transport {
	return &Transport{ch: ch, kind: kind}
}

// Kind is "usb" or "uart".
func (t *Transport) Kind() string {
	return t.kind
}

// GetByte waits up to timeout for one byte. It returns hw.ErrTimeout when
// nothing arrives.
func (t *Transport) GetByte(timeout time.Duration) (byte, error) {
	return t.ch.GetByte(timeout)
}

// RxByte returns the next byte, or 0 when nothing arrived within timeout.
func (t *Transport) RxByte(timeout time.Duration) byte {
	c, err := t.ch.GetByte(timeout)
	if err != nil {
		return 0
	}
	return c
}

// Write sends p unchanged.
func (t *Transport) Write(p []byte) (int, error) {
	return t.ch.Write(p)
}

// TxByte sends one byte.
func (t *Transport) TxByte(c byte) error {
	_, err := t.ch.Write([]byte{c})
	return err
}

// PrintString sends s.
func (t *Transport) PrintString(s string) error {
	_, err := t.ch.Write([]byte(s))
	return err
}

// PrintHex sends v as eight uppercase hex digits.
func (t *Transport) PrintHex(v uint32) error {
	var buf [8]byte
	for i := range buf {
		digit := byte(v >> 28)
		if digit < 10 {
			buf[i] = '0' + digit
		} else {
			buf[i] = 'A' + digit - 10
		}
		v <<= 4
	}
	_, err := t.ch.Write(buf[:])
	return err
}

// Purge discards input until the line has been quiet for idle.
func (t *Transport) Purge(idle time.Duration) {
	for {
		if _, err := t.ch.GetByte(idle); err != nil {
			return
		}
	}
}

// UARTChannel reads and writes the UART directly.
type UARTChannel struct {
	UART hw.UART
}

func (c UARTChannel) GetByte(timeout time.Duration) (byte, error) {
	return c.UART.GetByte(timeout)
}

func (c UARTChannel) Write(p []byte) (int, error) {
	return c.UART.Write(p)
}

// usbPacketSize is the bulk endpoint size.
const usbPacketSize = 64

// writeTimeout bounds one bulk IN transfer.
const writeTimeout = time.Second

// CDCChannel buffers whole USB packets and hands them out a byte at a time.
type CDCChannel struct {
	usb     hw.USB
	buf     [usbPacketSize]byte
	pending []byte
}

// NewCDCChannel wraps a configured CDC device.
func NewCDCChannel(usb hw.USB) *CDCChannel {
	return &CDCChannel{usb: usb}
}

func (c *CDCChannel) GetByte(timeout time.Duration) (byte, error) {
	if len(c.pending) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		n, err := c.usb.Read(ctx, c.buf[:])
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, hw.ErrTimeout
			}
			return 0, err
		}
		if n == 0 {
			return 0, hw.ErrTimeout
		}
		c.pending = c.buf[:n]
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, nil
}

func (c *CDCChannel) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	written := 0
	for written < len(p) {
		end := written + usbPacketSize
		if end > len(p) {
			end = len(p)
		}
		n, err := c.usb.Write(ctx, p[written:end])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
