// Package autobaud infers the host baud rate from RX edge timing.
//
// The host opens the conversation by sending 'U' (0x55). Framed 8N1, that
// character toggles the line on every bit boundary, so ten edges spaced one
// bit period apart arrive per character. The detector keeps the most recent
// window of edges, takes the shortest interval as the bit period and accepts
// the window once every interval is a whole number of periods and the
// resulting rate matches a supported baud rate.
package autobaud

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/hw"
)

// SupportedRates are the baud rates the detector will configure.
var SupportedRates = []int{9600, 19200, 38400, 57600, 115200}

const (
	// WindowEdges is the number of edges judged at once: one 'U' frame.
	WindowEdges = 10

	// jitter is the allowed deviation of one interval from a whole number
	// of bit periods, in percent of a period.
	jitter = 10

	// maxRun is the longest run of equal bits inside one 8N1 frame.
	maxRun = 9

	// rateTolerance is the allowed deviation from a supported rate, in percent.
	rateTolerance = 3
)

// ErrNoMatch is returned by Estimate when the edges do not describe a
// supported rate.
var ErrNoMatch = errors.New("no supported baud rate matches")

// Estimate returns the baud rate described by a window of edges. The
// shortest interval is taken as one bit; every other interval must be a
// whole number of bits.
func Estimate(edges []time.Duration) (int, error) {
	if len(edges) < 2 {
		return 0, ErrNoMatch
	}
	period := time.Duration(-1)
	for i := 1; i < len(edges); i++ {
		d := edges[i] - edges[i-1]
		if d <= 0 {
			return 0, ErrNoMatch
		}
		if period < 0 || d < period {
			period = d
		}
	}

	bits := 0
	for i := 1; i < len(edges); i++ {
		d := edges[i] - edges[i-1]
		k := (d + period/2) / period
		if k > maxRun {
			return 0, ErrNoMatch
		}
		off := d - k*period
		if off < 0 {
			off = -off
		}
		if off*100 > period*jitter {
			return 0, ErrNoMatch
		}
		bits += int(k)
	}
	span := edges[len(edges)-1] - edges[0]
	return match(float64(time.Second) * float64(bits) / float64(span))
}

func match(measured float64) (int, error) {
	for _, r := range SupportedRates {
		dev := (measured - float64(r)) / float64(r) * 100
		if dev < 0 {
			dev = -dev
		}
		if dev <= rateTolerance {
			return r, nil
		}
	}
	return 0, ErrNoMatch
}

// Detector watches an edge source and configures the UART once a rate is
// found.
type Detector struct {
	edges hw.EdgeSource
	uart  hw.UART
	log   logrus.FieldLogger

	mu   sync.Mutex
	baud int
	done chan struct{}
}

// New creates a detector.
func New(edges hw.EdgeSource, uart hw.UART, log logrus.FieldLogger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{
		edges: edges,
		uart:  uart,
		log:   log.WithField("component", "autobaud"),
		done:  make(chan struct{}),
	}
}

// Run samples edges until a rate is detected or ctx ends. On success the
// UART is configured and Done is closed.
func (d *Detector) Run(ctx context.Context) (int, error) {
	window := make([]time.Duration, 0, WindowEdges)
	for {
		t, err := d.edges.NextEdge(ctx)
		if err != nil {
			return 0, err
		}
		if len(window) == WindowEdges {
			copy(window, window[1:])
			window = window[:WindowEdges-1]
		}
		window = append(window, t)
		if len(window) < WindowEdges {
			continue
		}
		baud, err := Estimate(window)
		if err != nil {
			continue
		}
		if err := d.uart.SetBaudRate(baud); err != nil {
			return 0, err
		}
		d.mu.Lock()
		d.baud = baud
		d.mu.Unlock()
		close(d.done)
		d.log.WithField("baud", baud).Info("baud rate detected")
		return baud, nil
	}
}

// Done is closed once a rate has been configured.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Completed reports whether detection has finished.
func (d *Detector) Completed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Baud returns the detected rate, or 0.
func (d *Detector) Baud() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}
