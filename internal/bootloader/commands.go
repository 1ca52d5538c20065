package bootloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/flash"
	"github.com/usbthing/bootloader/internal/layout"
	"github.com/usbthing/bootloader/internal/transport"
	"github.com/usbthing/bootloader/internal/xmodem"
)

// Replies.
const (
	replyReady   = "\r\nReady\r\n"
	replyOK      = "\r\nOK\r\n"
	replyFail    = "\r\nFail\r\n"
	replyUnknown = "\r\n?\r\n"
	replyCRC     = "\r\nCRC: "
	newline      = "\r\n"
)

type command struct {
	name string
	run  func(ctx context.Context, tr *transport.Transport) error
}

func (b *Bootloader) commandTable() map[byte]command {
	r := b.regions
	return map[byte]command{
		'i': {"identify", func(_ context.Context, tr *transport.Transport) error { return b.identify(tr) }},
		'u': {"upload", b.upload(r.Application, "Upload complete\r\n")},
		'd': {"destructive upload", b.upload(r.Full, "Upload complete\r\n")},
		't': {"write user page", b.upload(r.UserPage, "User page written\r\n")},
		'p': {"write lock page", b.upload(r.LockPage, "Lock bits set\r\n")},
		'b': {"boot", b.bootApplication},
		'l': {"debug lock", b.debugLock},
		'v': {"verify flash", b.verify(r.Full)},
		'c': {"verify application", b.verify(r.Application)},
		'n': {"verify user page", b.verify(r.UserPage)},
		'm': {"verify lock page", b.verify(r.LockPage)},
		'r': {"reset", b.reset},
	}
}

// Serve runs the command loop on tr. It returns only when a command hands
// control away from the bootloader (see IsExit) or ctx ends.
func (b *Bootloader) Serve(ctx context.Context, tr *transport.Transport) error {
	log := b.log.WithField("transport", tr.Kind())
	log.Info("command loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c := tr.RxByte(b.cfg.ReadTimeout)
		if c == 0 {
			continue
		}
		if err := tr.TxByte(c); err != nil {
			log.WithError(err).Warn("echo failed")
		}

		cmd, ok := b.commands[c]
		if !ok {
			log.WithField("byte", fmt.Sprintf("0x%02X", c)).Debug("unknown command")
			if err := tr.PrintString(replyUnknown); err != nil {
				log.WithError(err).Warn("reply failed")
			}
			continue
		}

		log.WithField("command", cmd.name).Debug("dispatch")
		err := cmd.run(ctx, tr)
		if IsExit(err) {
			return err
		}
		if err != nil {
			log.WithError(err).WithField("command", cmd.name).Warn("command failed")
		}
	}
}

func (b *Bootloader) identify(tr *transport.Transport) error {
	if err := tr.PrintString("\r\n\r\n" + Banner); err != nil {
		return err
	}
	if err := tr.PrintHex(b.hw.Info.UniqueH); err != nil {
		return err
	}
	if err := tr.PrintHex(b.hw.Info.UniqueL); err != nil {
		return err
	}
	return tr.PrintString(newline)
}

func (b *Bootloader) upload(region flash.Region, done string) func(context.Context, *transport.Transport) error {
	return func(ctx context.Context, tr *transport.Transport) error {
		if err := tr.PrintString(replyReady); err != nil {
			return err
		}
		b.prog.Begin(region)
		cfg := b.cfg.XModem
		cfg.Clock = b.hw.Clock
		rx := xmodem.NewReceiver(tr, b.prog, cfg, b.cfg.Logger)
		res, err := rx.Receive(ctx, region.Start, region.End)
		if err != nil {
			// Let the sender notice the CAN and go quiet before replying.
			tr.Purge(b.cfg.XModem.ByteTimeout)
			return b.fail(tr, err)
		}
		b.log.WithFields(logrus.Fields{
			"region":    region.Name,
			"bytes":     res.Bytes,
			"write_crc": fmt.Sprintf("0x%04X", b.prog.WriteCRC()),
		}).Info("upload complete")
		return tr.PrintString(done)
	}
}

// fail reports err to the host and returns it.
func (b *Bootloader) fail(tr *transport.Transport, err error) error {
	reason := err
	var ae *xmodem.AbortError
	if errors.As(err, &ae) {
		reason = ae.Err
	}
	if werr := tr.PrintString(replyFail + reason.Error() + newline); werr != nil {
		return werr
	}
	return err
}

func (b *Bootloader) bootApplication(_ context.Context, tr *transport.Transport) error {
	if err := b.seq.Check(); err != nil {
		return b.fail(tr, err)
	}
	if err := tr.PrintString("Booting application\r\n"); err != nil {
		return err
	}
	b.seq.Disconnect(b.cfg.ExitPreDelay, b.cfg.ExitPostDelay)
	return b.seq.Boot()
}

func (b *Bootloader) reset(_ context.Context, _ *transport.Transport) error {
	return b.seq.DisconnectAndReset(b.cfg.ExitPreDelay, b.cfg.ExitPostDelay)
}

// LockDebug clears the debug-lock word. With the debug guard enabled it
// refuses while a debugger is attached.
func (b *Bootloader) LockDebug() error {
	if b.cfg.DebugGuard && b.hw.CPU.DebugSessionActive() {
		return ErrDebugSessionActive
	}
	b.log.Debug("starting debug lock sequence")
	return b.prog.LockDebug(layout.DebugLockWord)
}

func (b *Bootloader) debugLock(_ context.Context, tr *transport.Transport) error {
	err := b.LockDebug()
	switch {
	case errors.Is(err, ErrDebugSessionActive):
		b.log.Warn("debug session active, not locking")
		if perr := tr.PrintString("Debug active.\r\n"); perr != nil {
			return perr
		}
		return err
	case err != nil:
		if perr := tr.PrintString(replyFail); perr != nil {
			return perr
		}
		return err
	}
	return tr.PrintString(replyOK)
}

func (b *Bootloader) verify(region flash.Region) func(context.Context, *transport.Transport) error {
	return func(_ context.Context, tr *transport.Transport) error {
		sum, err := crc.Region(b.hw.Memory, region.Start, region.End)
		if err != nil {
			return b.fail(tr, err)
		}
		if err := tr.PrintString(replyCRC); err != nil {
			return err
		}
		if err := tr.PrintHex(uint32(sum)); err != nil {
			return err
		}
		return tr.PrintString(newline)
	}
}
