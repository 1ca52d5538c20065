// Package bootloader is the device side: the entry decision, the wait for a
// host on USB or UART, and the single-character command loop.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/autobaud"
	"github.com/usbthing/bootloader/internal/boot"
	"github.com/usbthing/bootloader/internal/flash"
	"github.com/usbthing/bootloader/internal/hw"
	"github.com/usbthing/bootloader/internal/layout"
	"github.com/usbthing/bootloader/internal/transport"
)

// Banner is printed on connect and by the identity command, followed by the
// chip ID.
const Banner = "BOOTLOADER version 1.01, Chip ID "

// Bootloader runs on one device.
type Bootloader struct {
	hw  *hw.Context
	cfg Config
	log logrus.FieldLogger

	geom     flash.Geometry
	regions  layout.Regions
	control  flash.Region
	prog     *flash.Programmer
	seq      *boot.Sequencer
	commands map[byte]command
}

// New probes the flash geometry and prepares the command table.
func New(h *hw.Context, opts ...Option) (*Bootloader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger.WithField("component", "bootloader")

	geom, err := flash.Probe(h.Info)
	if err != nil {
		return nil, fmt.Errorf("probe flash: %w", err)
	}
	if cfg.BootloaderSize%geom.PageSize != 0 || cfg.BootloaderSize >= geom.FlashSize {
		return nil, fmt.Errorf("bootloader size 0x%X does not fit %d KB flash with %d byte pages",
			cfg.BootloaderSize, geom.FlashSize/1024, geom.PageSize)
	}

	regions := layout.ForDevice(geom, cfg.BootloaderSize)
	control := layout.ControlSegment(h.Info.RAMSizeKB)
	for _, r := range regions.Writable() {
		if r.Overlaps(control) {
			return nil, fmt.Errorf("%w: %s", ErrPartition, r)
		}
	}

	b := &Bootloader{
		hw:      h,
		cfg:     cfg,
		log:     log,
		geom:    geom,
		regions: regions,
		control: control,
		prog:    flash.NewProgrammer(h.Memory, geom, cfg.Logger),
		seq:     boot.New(h, regions.Application, control, cfg.Logger),
	}
	b.commands = b.commandTable()

	log.WithFields(logrus.Fields{
		"family":    h.Info.Family.String(),
		"flash":     geom.FlashSize,
		"page_size": geom.PageSize,
	}).Debug("flash geometry")
	return b, nil
}

// Regions returns the command target regions.
func (b *Bootloader) Regions() layout.Regions {
	return b.regions
}

// Start is the power-on path. Without the button held it boots the
// application, or halts with LED1 lit when there is none. With the button
// held it waits for a host, prints the banner and serves commands.
//
// Start only returns when control leaves the bootloader (see IsExit) or on
// an unrecoverable error.
func (b *Bootloader) Start(ctx context.Context) error {
	board := b.hw.Board
	if !board.ButtonPressed() {
		board.SetLED(hw.LED0, true)
		err := b.seq.Boot()
		if errors.Is(err, boot.ErrNoApplication) {
			board.SetLED(hw.LED1, true)
			b.log.WithError(err).Error("halted")
		}
		return err
	}
	board.SetLED(hw.LED1, true)

	tr, err := b.Connect(ctx)
	if errors.Is(err, ErrConnectionTimeout) {
		b.log.Warn("no host, resetting")
		return b.seq.DisconnectAndReset(0, b.cfg.TimeoutPostDelay)
	}
	if err != nil {
		return err
	}

	if err := b.identify(tr); err != nil {
		return err
	}
	return b.Serve(ctx, tr)
}

// Connect waits for either UART autobaud to finish or the USB CDC device to
// be configured, whichever comes first, within ConnectTimeout.
func (b *Bootloader) Connect(ctx context.Context) (*transport.Transport, error) {
	actx, cancel := context.WithCancel(ctx)

	var det *autobaud.Detector
	stopped := make(chan struct{})
	if b.hw.Edges != nil && b.hw.UART != nil {
		det = autobaud.New(b.hw.Edges, b.hw.UART, b.cfg.Logger)
		go func() {
			defer close(stopped)
			if _, err := det.Run(actx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				b.log.WithError(err).Error("uart autobaud failed")
			}
		}()
	} else {
		close(stopped)
	}
	defer func() {
		cancel()
		<-stopped
	}()

	for elapsed := time.Duration(0); elapsed < b.cfg.ConnectTimeout; elapsed += b.cfg.PollInterval {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if det != nil && det.Completed() {
			b.log.WithField("baud", det.Baud()).Info("host connected on uart")
			return transport.New(transport.UARTChannel{UART: b.hw.UART}, "uart"), nil
		}
		if b.hw.USB != nil && b.hw.USB.Configured() {
			b.log.WithFields(logrus.Fields{
				"vid": fmt.Sprintf("0x%04X", b.cfg.VendorID),
				"pid": fmt.Sprintf("0x%04X", b.cfg.ProductID),
			}).Info("host connected on usb")
			return transport.New(transport.NewCDCChannel(b.hw.USB), "usb"), nil
		}
		b.hw.Clock.Sleep(b.cfg.PollInterval)
	}
	return nil, ErrConnectionTimeout
}
