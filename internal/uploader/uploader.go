// Package uploader is the host side of the bootloader: it sends commands,
// pushes images over XMODEM and checks the CRC the device reports.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/hw"
	"github.com/usbthing/bootloader/internal/xmodem"
)

var (
	// ErrNoBanner is returned when the device never identified itself.
	ErrNoBanner = errors.New("no bootloader banner")

	// ErrDeviceFailed is returned when the device answered Fail.
	ErrDeviceFailed = errors.New("device reported failure")

	// ErrVerifyMismatch is returned when the device CRC differs from the
	// image CRC.
	ErrVerifyMismatch = errors.New("crc mismatch")
)

const bannerMarker = "Chip ID "

// Port is the host end of the link.
type Port interface {
	Write(p []byte) (int, error)
	GetByte(timeout time.Duration) (byte, error)
	Flush() error
}

// ProgressCallback is called to report upload progress in bytes.
type ProgressCallback func(current, total int)

// ChipIdentity is the unique ID a device prints in its banner.
type ChipIdentity struct {
	UniqueH uint32
	UniqueL uint32
}

func (c ChipIdentity) String() string {
	return fmt.Sprintf("%08X%08X", c.UniqueH, c.UniqueL)
}

// Target selects the region an upload goes to.
type Target int

const (
	Application Target = iota
	Full
	UserPage
	LockPage
)

var targets = map[Target]struct {
	name    string
	upload  byte
	verify  byte
	success string
}{
	Application: {"application", 'u', 'c', "Upload complete"},
	Full:        {"flash", 'd', 'v', "Upload complete"},
	UserPage:    {"user page", 't', 'n', "User page written"},
	LockPage:    {"lock page", 'p', 'm', "Lock bits set"},
}

func (t Target) String() string {
	if info, ok := targets[t]; ok {
		return info.name
	}
	return "Target(" + strconv.Itoa(int(t)) + ")"
}

// ParseTarget maps a CLI name to a Target.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "app", "application":
		return Application, nil
	case "full", "flash", "destructive":
		return Full, nil
	case "user", "userpage", "user-page":
		return UserPage, nil
	case "lock", "lockpage", "lock-page":
		return LockPage, nil
	}
	return 0, errors.Errorf("unknown target %q", s)
}

// Uploader drives one bootloader.
type Uploader struct {
	port      Port
	log       logrus.FieldLogger
	progress  ProgressCallback
	sender    xmodem.SenderConfig
	replyWait time.Duration
}

// New creates an uploader on port.
func New(port Port, log logrus.FieldLogger) *Uploader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Uploader{
		port:      port,
		log:       log.WithField("component", "uploader"),
		sender:    xmodem.DefaultSenderConfig(),
		replyWait: 2 * time.Second,
	}
}

// SetProgressCallback sets the progress callback function.
func (u *Uploader) SetProgressCallback(cb ProgressCallback) {
	u.progress = cb
}

// SetBlockSize selects 128- or 1024-byte XMODEM blocks.
func (u *Uploader) SetBlockSize(n int) {
	u.sender.BlockSize = n
}

// SetReplyTimeout bounds the wait for a text reply.
func (u *Uploader) SetReplyTimeout(d time.Duration) {
	u.replyWait = d
}

// Connect wakes a UART bootloader by sending 'U' until the banner appears.
// The device measures the bit rate from those characters.
func (u *Uploader) Connect(ctx context.Context, timeout time.Duration) (*ChipIdentity, error) {
	deadline := time.Now().Add(timeout)
	var text []byte
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := u.port.Write([]byte{'U'}); err != nil {
			return nil, errors.Wrap(err, "send autobaud character")
		}
		more, err := u.readFor(100 * time.Millisecond)
		if err != nil {
			return nil, err
		}
		text = append(text, more...)
		if id, ok := parseBanner(text); ok {
			// The 'U's that arrived after autobaud are unknown commands.
			_, _ = u.readFor(100 * time.Millisecond)
			u.port.Flush()
			return id, nil
		}
	}
	return nil, errors.Wrapf(ErrNoBanner, "no answer to autobaud within %v", timeout)
}

// Identify asks for the banner and returns the chip ID.
func (u *Uploader) Identify() (*ChipIdentity, error) {
	u.port.Flush()
	out, err := u.command('i', bannerMarker)
	if err != nil {
		return nil, errors.Wrap(err, "identify")
	}
	rest, err := u.readUntil(u.replyWait, "\r\n")
	if err != nil {
		return nil, errors.Wrap(err, "identify")
	}
	id, ok := parseBanner([]byte(out + rest))
	if !ok {
		return nil, errors.Wrapf(ErrNoBanner, "reply %q", out)
	}
	return id, nil
}

// parseBanner finds "Chip ID " followed by 16 hex digits.
func parseBanner(text []byte) (*ChipIdentity, bool) {
	i := bytes.Index(text, []byte(bannerMarker))
	if i < 0 {
		return nil, false
	}
	hex := text[i+len(bannerMarker):]
	if len(hex) < 16 {
		return nil, false
	}
	h, err := strconv.ParseUint(string(hex[:8]), 16, 32)
	if err != nil {
		return nil, false
	}
	l, err := strconv.ParseUint(string(hex[8:16]), 16, 32)
	if err != nil {
		return nil, false
	}
	return &ChipIdentity{UniqueH: uint32(h), UniqueL: uint32(l)}, true
}

// Upload sends data to target and waits for the device's verdict.
func (u *Uploader) Upload(ctx context.Context, target Target, data []byte) error {
	info, ok := targets[target]
	if !ok {
		return errors.Errorf("unknown target %d", target)
	}
	u.port.Flush()
	if _, err := u.port.Write([]byte{info.upload}); err != nil {
		return errors.Wrap(err, "send upload command")
	}

	s := xmodem.NewSender(u.port, u.sender, u.log)
	if u.progress != nil {
		s.SetProgressCallback(xmodem.ProgressCallback(u.progress))
	}
	u.log.WithFields(logrus.Fields{"target": info.name, "bytes": len(data)}).Info("uploading")
	sendErr := s.Send(ctx, data)

	out, err := u.readUntil(u.replyWait, info.success+"\r\n", "Fail\r\n")
	if err == nil && strings.Contains(out, "Fail\r\n") {
		reason, _ := u.readUntil(u.replyWait, "\r\n")
		return errors.Wrapf(ErrDeviceFailed, "upload to %s: %s", info.name, strings.TrimSpace(reason))
	}
	if sendErr != nil {
		return errors.Wrapf(sendErr, "upload to %s", info.name)
	}
	if err != nil {
		return errors.Wrapf(err, "upload to %s: no completion message", info.name)
	}
	return nil
}

// CRC asks the device for the CRC of target.
func (u *Uploader) CRC(target Target) (uint16, error) {
	info, ok := targets[target]
	if !ok {
		return 0, errors.Errorf("unknown target %d", target)
	}
	u.port.Flush()
	out, err := u.command(info.verify, "CRC: ", "Fail\r\n")
	if err != nil {
		return 0, errors.Wrapf(err, "crc of %s", info.name)
	}
	if strings.Contains(out, "Fail") {
		return 0, errors.Wrapf(ErrDeviceFailed, "crc of %s", info.name)
	}
	hex, err := u.readUntil(u.replyWait, "\r\n")
	if err != nil {
		return 0, errors.Wrapf(err, "crc of %s", info.name)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(hex), 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parse crc %q", hex)
	}
	return uint16(v), nil
}

// Verify compares the device CRC of a region of regionSize bytes with the
// CRC of data followed by erased flash. It only holds when the rest of the
// region is erased, as after an upload to a blank device.
func (u *Uploader) Verify(target Target, data []byte, regionSize int) error {
	if len(data) > regionSize {
		return errors.Errorf("image of %d bytes does not fit %d byte region", len(data), regionSize)
	}
	want := crc.Update(crc.Checksum(data), bytes.Repeat([]byte{0xFF}, regionSize-len(data)))
	got, err := u.CRC(target)
	if err != nil {
		return err
	}
	if got != want {
		return errors.Wrapf(ErrVerifyMismatch, "device 0x%04X, image 0x%04X", got, want)
	}
	return nil
}

// LockDebug permanently disables the debug interface of the device.
func (u *Uploader) LockDebug() error {
	u.port.Flush()
	out, err := u.command('l', "OK\r\n", "Fail\r\n", "Debug active.\r\n")
	if err != nil {
		return errors.Wrap(err, "debug lock")
	}
	switch {
	case strings.Contains(out, "Debug active"):
		return errors.Wrap(ErrDeviceFailed, "debug lock refused: debugger attached")
	case strings.Contains(out, "Fail"):
		return errors.Wrap(ErrDeviceFailed, "debug lock")
	}
	return nil
}

// Boot starts the application. The device leaves the bus afterwards.
func (u *Uploader) Boot() error {
	u.port.Flush()
	out, err := u.command('b', "Booting application\r\n", "Fail\r\n")
	if err != nil {
		return errors.Wrap(err, "boot")
	}
	if strings.Contains(out, "Fail") {
		reason, _ := u.readUntil(u.replyWait, "\r\n")
		return errors.Wrapf(ErrDeviceFailed, "boot: %s", strings.TrimSpace(reason))
	}
	return nil
}

// Reset restarts the device. There is no reply.
func (u *Uploader) Reset() error {
	_, err := u.port.Write([]byte{'r'})
	return errors.Wrap(err, "reset")
}

// command sends c and reads until one of stops has been seen.
func (u *Uploader) command(c byte, stops ...string) (string, error) {
	if _, err := u.port.Write([]byte{c}); err != nil {
		return "", err
	}
	return u.readUntil(u.replyWait, stops...)
}

// readUntil collects text until it ends with one of stops.
func (u *Uploader) readUntil(timeout time.Duration, stops ...string) (string, error) {
	var buf []byte
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		c, err := u.port.GetByte(remaining)
		if err != nil {
			if errors.Is(err, hw.ErrTimeout) {
				break
			}
			return string(buf), err
		}
		buf = append(buf, c)
		for _, s := range stops {
			if bytes.HasSuffix(buf, []byte(s)) {
				return string(buf), nil
			}
		}
	}
	return string(buf), errors.Errorf("timeout waiting for %q, got %q", stops, buf)
}

// readFor returns whatever arrives within d.
func (u *Uploader) readFor(d time.Duration) ([]byte, error) {
	var buf []byte
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, nil
		}
		c, err := u.port.GetByte(remaining)
		if err != nil {
			if errors.Is(err, hw.ErrTimeout) {
				return buf, nil
			}
			return buf, err
		}
		buf = append(buf, c)
	}
}
