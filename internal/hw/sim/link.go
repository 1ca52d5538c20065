package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbthing/bootloader/internal/hw"
)

const linkBuffer = 1 << 16

// Endpoint is one end of an in-memory byte link.
type Endpoint struct {
	rx <-chan byte
	tx chan<- byte
}

// NewLink returns two connected endpoints.
func NewLink() (device, host *Endpoint) {
	a := make(chan byte, linkBuffer)
	b := make(chan byte, linkBuffer)
	return &Endpoint{rx: a, tx: b}, &Endpoint{rx: b, tx: a}
}

// GetByte waits up to timeout for one byte.
func (e *Endpoint) GetByte(timeout time.Duration) (byte, error) {
	select {
	case c := <-e.rx:
		return c, nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c := <-e.rx:
		return c, nil
	case <-t.C:
		return 0, hw.ErrTimeout
	}
}

// Read blocks for the first byte, then takes whatever else is queued.
func (e *Endpoint) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	select {
	case c := <-e.rx:
		buf[0] = c
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	n := 1
	for n < len(buf) {
		select {
		case c := <-e.rx:
			buf[n] = c
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Write queues p for the other end.
func (e *Endpoint) Write(p []byte) (int, error) {
	for _, c := range p {
		e.tx <- c
	}
	return len(p), nil
}

// Flush discards anything queued for this end.
func (e *Endpoint) Flush() error {
	for {
		select {
		case <-e.rx:
		default:
			return nil
		}
	}
}

// Drain collects bytes until the link has been idle for idle.
func (e *Endpoint) Drain(idle time.Duration) []byte {
	var out []byte
	for {
		c, err := e.GetByte(idle)
		if err != nil {
			return out
		}
		out = append(out, c)
	}
}

// USB is a CDC device on an in-memory link.
type USB struct {
	ep          *Endpoint
	configured  atomic.Bool
	mu          sync.Mutex
	disconnects int
}

// NewUSB wraps the device end of a link.
func NewUSB(ep *Endpoint) *USB {
	return &USB{ep: ep}
}

// SetConfigured marks enumeration as complete (or torn down).
func (u *USB) SetConfigured(v bool) { u.configured.Store(v) }

func (u *USB) Configured() bool { return u.configured.Load() }

func (u *USB) Read(ctx context.Context, buf []byte) (int, error) {
	return u.ep.Read(ctx, buf)
}

func (u *USB) Write(ctx context.Context, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return u.ep.Write(data)
}

func (u *USB) Disconnect() error {
	u.configured.Store(false)
	u.mu.Lock()
	u.disconnects++
	u.mu.Unlock()
	return nil
}

// Disconnects reports how many times the device left the bus.
func (u *USB) Disconnects() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.disconnects
}

// UART is a serial port on an in-memory link.
type UART struct {
	ep   *Endpoint
	baud atomic.Int64
}

// NewUART wraps the device end of a link.
func NewUART(ep *Endpoint) *UART {
	return &UART{ep: ep}
}

func (u *UART) GetByte(timeout time.Duration) (byte, error) { return u.ep.GetByte(timeout) }
func (u *UART) Write(p []byte) (int, error)                 { return u.ep.Write(p) }

func (u *UART) SetBaudRate(baud int) error {
	u.baud.Store(int64(baud))
	return nil
}

// BaudRate is the rate last configured by the bootloader, or 0.
func (u *UART) BaudRate() int { return int(u.baud.Load()) }
