// Package detect finds bootloaders on the host's serial ports.
package detect

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/serial"
	"github.com/usbthing/bootloader/internal/uploader"
)

// Result represents a detected bootloader.
type Result struct {
	Port     string
	Identity uploader.ChipIdentity
}

// Port is an open link that detection can probe and close.
type Port interface {
	uploader.Port
	io.Closer
}

var (
	openPort  = func(name string, baud int) (Port, error) { return serial.Open(name, baud) }
	listPorts = serial.ListPorts
)

// Options tunes probing.
type Options struct {
	BaudRate int
	// ReplyTimeout bounds the identify command on a port that is already
	// connected.
	ReplyTimeout time.Duration
	// AutobaudTimeout bounds the autobaud attempt that follows when
	// identify gets no answer. Zero skips it.
	AutobaudTimeout time.Duration
	Logger          logrus.FieldLogger
}

// DefaultOptions probes at 115200 baud.
func DefaultOptions() Options {
	return Options{
		BaudRate:        115200,
		ReplyTimeout:    300 * time.Millisecond,
		AutobaudTimeout: time.Second,
	}
}

// DetectDevice returns the first port with a bootloader on it.
func DetectDevice(ctx context.Context, opts Options) (*Result, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, opts)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
}

// DetectOnPort probes a specific port.
func DetectOnPort(ctx context.Context, portName string, opts Options) (*Result, error) {
	return tryPort(ctx, portName, opts)
}

// ListDevices probes every port and returns those with a bootloader.
func ListDevices(ctx context.Context, opts Options) ([]Result, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, opts)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(ctx context.Context, portName string, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("port", portName)

	port, err := openPort(portName, opts.BaudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	u := uploader.New(port, log)
	if opts.ReplyTimeout > 0 {
		u.SetReplyTimeout(opts.ReplyTimeout)
	}

	id, err := u.Identify()
	if err == nil {
		return &Result{Port: portName, Identity: *id}, nil
	}
	log.WithError(err).Debug("no reply to identify")
	if opts.AutobaudTimeout <= 0 {
		return nil, err
	}

	// A UART bootloader stays silent until it has measured the bit rate.
	id, err = u.Connect(ctx, opts.AutobaudTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}
	return &Result{Port: portName, Identity: *id}, nil
}
