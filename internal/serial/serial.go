// Package serial adapts go.bug.st/serial to the timed byte reads used by the
// bootloader transport and the host uploader.
package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/usbthing/bootloader/internal/hw"
)

// defaultReadTimeout applies to plain Read calls.
const defaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port opened 8N1.
type Port struct {
	port     serial.Port
	portName string
	baudRate int

	timeout time.Duration
	buf     [256]byte
	pending []byte
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	port, err := serial.Open(portName, mode(baudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
		timeout:  defaultReadTimeout,
	}, nil
}

func mode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read returns buffered bytes first, then reads the port.
func (p *Port) Read(buf []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	if err := p.setTimeout(defaultReadTimeout); err != nil {
		return 0, err
	}
	return p.port.Read(buf)
}

func (p *Port) setTimeout(d time.Duration) error {
	if d == p.timeout {
		return nil
	}
	if err := p.port.SetReadTimeout(d); err != nil {
		return err
	}
	p.timeout = d
	return nil
}

// GetByte waits up to timeout for one byte and returns hw.ErrTimeout if
// none arrives.
func (p *Port) GetByte(timeout time.Duration) (byte, error) {
	if len(p.pending) == 0 {
		if err := p.setTimeout(timeout); err != nil {
			return 0, err
		}
		n, err := p.port.Read(p.buf[:])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, hw.ErrTimeout
		}
		p.pending = p.buf[:n]
	}
	c := p.pending[0]
	p.pending = p.pending[1:]
	return c, nil
}

// ReadAll reads until the line has been quiet for timeout.
func (p *Port) ReadAll(timeout time.Duration) ([]byte, error) {
	var result []byte
	for {
		c, err := p.GetByte(timeout)
		if errors.Is(err, hw.ErrTimeout) {
			return result, nil
		}
		if err != nil {
			return result, err
		}
		result = append(result, c)
	}
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	p.pending = nil
	return p.port.ResetInputBuffer()
}

// SetBaudRate reprograms the line rate.
func (p *Port) SetBaudRate(baud int) error {
	if err := p.port.SetMode(mode(baud)); err != nil {
		return fmt.Errorf("set baud rate %d: %w", baud, err)
	}
	p.baudRate = baud
	return nil
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
