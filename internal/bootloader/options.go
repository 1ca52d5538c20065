package bootloader

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/layout"
	"github.com/usbthing/bootloader/internal/protocol"
	"github.com/usbthing/bootloader/internal/xmodem"
)

// Config holds the bootloader configuration.
type Config struct {
	// ConnectTimeout is how long to wait for a host on either transport.
	ConnectTimeout time.Duration

	// PollInterval is the connect loop period.
	PollInterval time.Duration

	// ReadTimeout bounds one command read. A timeout is the NUL command.
	ReadTimeout time.Duration

	// BootloaderSize is the flash reserved below the application.
	BootloaderSize uint32

	// DebugGuard refuses the debug lock while a debugger is attached.
	DebugGuard bool

	// VendorID and ProductID identify the CDC device.
	VendorID  uint16
	ProductID uint16

	// ExitPreDelay and ExitPostDelay surround the USB disconnect before a
	// boot or reset command.
	ExitPreDelay  time.Duration
	ExitPostDelay time.Duration

	// TimeoutPostDelay is the disconnect hold before the reset that follows
	// a connect timeout.
	TimeoutPostDelay time.Duration

	// XModem configures file transfers.
	XModem xmodem.Config

	// Logger receives diagnostics (optional).
	Logger logrus.FieldLogger
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		ConnectTimeout:   30 * time.Second,
		PollInterval:     100 * time.Millisecond,
		ReadTimeout:      time.Second,
		BootloaderSize:   layout.DefaultBootloaderSize,
		VendorID:         protocol.DefaultVendorID,
		ProductID:        protocol.DefaultProductID,
		ExitPreDelay:     5 * time.Second,
		ExitPostDelay:    2 * time.Second,
		TimeoutPostDelay: 2 * time.Second,
		XModem:           xmodem.DefaultConfig(),
	}
}

// Option is a functional option for configuring the Bootloader.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithConnectTimeout sets how long Start waits for a host before resetting.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// WithPollInterval sets the connect loop period.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithReadTimeout sets the command read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// WithBootloaderSize moves the application base.
//
// Example:
//
//	bl, err := bootloader.New(h, bootloader.WithBootloaderSize(0x8000))
func WithBootloaderSize(size uint32) Option {
	return func(c *Config) {
		c.BootloaderSize = size
	}
}

// WithDebugGuard makes the lock command refuse to run under a debugger, so
// the lock can only be tested on a free-running device.
func WithDebugGuard(on bool) Option {
	return func(c *Config) {
		c.DebugGuard = on
	}
}

// WithUSBIDs sets the CDC vendor and product IDs.
func WithUSBIDs(vid, pid uint16) Option {
	return func(c *Config) {
		c.VendorID = vid
		c.ProductID = pid
	}
}

// WithExitDelays sets the delays around the USB disconnect of the boot and
// reset commands.
func WithExitDelays(pre, post time.Duration) Option {
	return func(c *Config) {
		c.ExitPreDelay = pre
		c.ExitPostDelay = post
	}
}

// WithXModem sets the transfer limits.
func WithXModem(cfg xmodem.Config) Option {
	return func(c *Config) {
		c.XModem = cfg
	}
}
