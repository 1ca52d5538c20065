package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/usbthing/bootloader/internal/hw"
)

// netPort is the host end of a TCP link to a simulated device. It gives a
// connection the timed byte reads the uploader expects.
type netPort struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialNetPort(addr string, timeout time.Duration) (*netPort, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &netPort{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (p *netPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *netPort) GetByte(timeout time.Duration) (byte, error) {
	if p.r.Buffered() == 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	c, err := p.r.ReadByte()
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, hw.ErrTimeout
	}
	return c, err
}

// Flush drops whatever has already arrived.
func (p *netPort) Flush() error {
	p.r.Discard(p.r.Buffered())
	for {
		if _, err := p.GetByte(time.Millisecond); err != nil {
			if errors.Is(err, hw.ErrTimeout) {
				return nil
			}
			return err
		}
	}
}

func (p *netPort) Close() error {
	return p.conn.Close()
}
