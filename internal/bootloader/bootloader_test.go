package bootloader_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/usbthing/bootloader/internal/boot"
	"github.com/usbthing/bootloader/internal/bootloader"
	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/hw/sim"
	"github.com/usbthing/bootloader/internal/layout"
	"github.com/usbthing/bootloader/internal/transport"
	"github.com/usbthing/bootloader/internal/xmodem"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var fastXModem = xmodem.Config{
	MaxRetries:       3,
	MaxStartAttempts: 20,
	StartInterval:    50 * time.Millisecond,
	ByteTimeout:      10 * time.Millisecond,
}

const flashSize = 128 * 1024

func baseOptions(opts ...bootloader.Option) []bootloader.Option {
	return append([]bootloader.Option{
		bootloader.WithLogger(quietLogger()),
		bootloader.WithReadTimeout(20 * time.Millisecond),
		bootloader.WithXModem(fastXModem),
	}, opts...)
}

// harness runs the command loop over the simulated USB link.
type harness struct {
	t      *testing.T
	dev    *sim.Device
	clock  *sim.FakeClock
	bl     *bootloader.Bootloader
	host   *sim.Endpoint
	done   chan error
	cancel context.CancelFunc
	exited bool
}

func newHarness(t *testing.T, opts ...bootloader.Option) *harness {
	t.Helper()
	clock := sim.NewFakeClock()
	dev := sim.NewDevice(sim.DefaultInfo, clock)
	dev.USB.SetConfigured(true)

	bl, err := bootloader.New(dev.Context(), baseOptions(opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, dev: dev, clock: clock, bl: bl, host: dev.HostUSB, done: make(chan error, 1), cancel: cancel}
	tr := transport.New(transport.NewCDCChannel(dev.USB), "usb")
	go func() { h.done <- bl.Serve(ctx, tr) }()
	t.Cleanup(func() {
		cancel()
		if !h.exited {
			<-h.done
		}
	})
	return h
}

func (h *harness) send(s string) {
	h.host.Write([]byte(s))
}

// expect reads until want has been seen and returns everything read.
func (h *harness) expect(want string) string {
	h.t.Helper()
	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c, err := h.host.GetByte(100 * time.Millisecond)
		if err != nil {
			continue
		}
		got = append(got, c)
		if bytes.Contains(got, []byte(want)) {
			return string(got)
		}
	}
	h.t.Fatalf("never received %q; got %q", want, got)
	return ""
}

// next returns the next byte that is not a 'C' transfer request.
func (h *harness) next() byte {
	h.t.Helper()
	for {
		c, err := h.host.GetByte(time.Second)
		if err != nil {
			h.t.Fatal("no reply from device")
		}
		if c != xmodem.CRCReady {
			return c
		}
	}
}

func (h *harness) exit() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		h.exited = true
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("command loop did not exit")
		return nil
	}
}

func TestIdentify(t *testing.T) {
	h := newHarness(t)
	h.send("i")
	h.expect("i\r\n\r\nBOOTLOADER version 1.01, Chip ID 0B0E1F2A00C0FFEE\r\n")
}

func TestUnknownAndSilentNUL(t *testing.T) {
	h := newHarness(t)
	h.send("\x00")
	if got := h.host.Drain(100 * time.Millisecond); len(got) != 0 {
		t.Errorf("reply to NUL = %q, want nothing", got)
	}
	h.send("x")
	h.expect("x\r\n?\r\n")
}

func TestUploadSingleBlock(t *testing.T) {
	h := newHarness(t)
	payload := make([]byte, xmodem.BlockSize)
	for i := range payload {
		payload[i] = byte(255 - i)
	}

	h.send("u")
	h.expect("u\r\nReady\r\n")
	h.expect("C")
	h.host.Write(xmodem.NewPacket(1, payload, 0xFF).Encode())
	if c := h.next(); c != xmodem.ACK {
		t.Fatalf("block reply = 0x%02X, want ACK", c)
	}
	h.host.Write([]byte{xmodem.EOT})
	if c := h.next(); c != xmodem.ACK {
		t.Fatalf("EOT reply = 0x%02X, want ACK", c)
	}
	h.expect("Upload complete\r\n")

	got := make([]byte, len(payload)+4)
	if err := h.dev.Memory.Read(layout.DefaultBootloaderSize, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got[:len(payload)], payload) {
		t.Error("application region does not hold the uploaded block")
	}
	if !bytes.Equal(got[len(payload):], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("bytes after the block = % X, want erased", got[len(payload):])
	}
	word, _ := h.dev.Memory.ReadWord(0)
	if word != 0xFFFFFFFF || h.dev.Memory.Erases != 1 {
		t.Errorf("bootloader word = 0x%08X, erases = %d; want untouched, 1", word, h.dev.Memory.Erases)
	}

	// The verify command reproduces the CRC of what is now in flash.
	want, err := crc.Region(h.dev.Memory, layout.DefaultBootloaderSize, flashSize)
	if err != nil {
		t.Fatal(err)
	}
	h.send("c")
	h.expect(fmt.Sprintf("c\r\nCRC: %08X\r\n", want))
}

func TestUploadWithSender(t *testing.T) {
	h := newHarness(t)
	image := make([]byte, 5000)
	for i := range image {
		image[i] = byte(i*13 + 1)
	}

	h.send("t")
	cfg := xmodem.DefaultSenderConfig()
	cfg.BlockSize = xmodem.BlockSize
	cfg.AckTimeout = time.Second
	// The user page is 512 bytes, so the image does not fit.
	err := xmodem.NewSender(h.host, cfg, quietLogger()).Send(context.Background(), image)
	if !errors.Is(err, xmodem.ErrCancelled) {
		t.Fatalf("Send() to user page error = %v, want ErrCancelled", err)
	}
	h.expect("\r\nFail\r\n")

	h.send("d")
	cfg.BlockSize = xmodem.BlockSize1K
	if err := xmodem.NewSender(h.host, cfg, quietLogger()).Send(context.Background(), image); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.expect("Upload complete\r\n")

	got := make([]byte, len(image))
	h.dev.Memory.Read(0, got)
	if !bytes.Equal(got, image) {
		t.Error("flash does not hold the uploaded image")
	}
}

func TestUploadCorruptCRC(t *testing.T) {
	h := newHarness(t)
	frame := xmodem.NewPacket(1, []byte("application"), 0xFF).Encode()
	frame[len(frame)-1] ^= 0xFF

	h.send("u")
	h.expect("Ready\r\n")
	for i := 0; i < fastXModem.MaxRetries; i++ {
		h.host.Write(frame)
		if c := h.next(); c != xmodem.NAK {
			t.Fatalf("attempt %d: reply = 0x%02X, want NAK", i, c)
		}
	}
	h.host.Write(frame)
	if c := h.next(); c != xmodem.CAN {
		t.Fatalf("final reply = 0x%02X, want CAN", c)
	}
	out := h.expect("\r\nFail\r\n")
	if strings.Contains(out, "Upload complete") {
		t.Error("failed upload reported as complete")
	}
	if h.dev.Memory.Programs != 0 {
		t.Errorf("programs = %d, want 0", h.dev.Memory.Programs)
	}
}

func TestUploadLockPageVerifyFailure(t *testing.T) {
	h := newHarness(t)
	// The lock page is never erased, so cleared bits cannot be set again.
	if err := h.dev.Memory.Poke(layout.LockPageStart, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}

	h.send("p")
	h.expect("Ready\r\n")
	h.host.Write(xmodem.NewPacket(1, []byte{0xA5, 0xA5, 0xA5, 0xA5}, 0xFF).Encode())
	if c := h.next(); c != xmodem.CAN {
		t.Fatalf("block reply = 0x%02X, want CAN", c)
	}
	out := h.expect("\r\nFail\r\n")
	out += h.expect("verify failed")
	if strings.Contains(out, "Lock bits set") {
		t.Error("failed lock page write reported as success")
	}
}

func TestVerifyErased(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		cmd  string
		size int
	}{
		{"v", flashSize},
		{"c", flashSize - layout.DefaultBootloaderSize},
		{"n", layout.UserPageEnd - layout.UserPageStart},
		{"m", layout.LockPageEnd - layout.LockPageStart},
	}
	for _, tt := range tests {
		want := crc.Checksum(bytes.Repeat([]byte{0xFF}, tt.size))
		h.send(tt.cmd)
		h.expect(fmt.Sprintf("%s\r\nCRC: %08X\r\n", tt.cmd, want))
	}
}

func TestDebugLock(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		h.send("l")
		h.expect("l\r\nOK\r\n")
		w, _ := h.dev.Memory.ReadWord(layout.DebugLockWord)
		if w != 0 {
			t.Fatalf("lock word = 0x%08X after lock %d, want 0", w, i+1)
		}
	}
	if h.dev.Memory.Erases != 0 {
		t.Errorf("erases = %d, want 0", h.dev.Memory.Erases)
	}
}

func TestDebugLockGuard(t *testing.T) {
	h := newHarness(t, bootloader.WithDebugGuard(true))
	h.dev.CPU.Debugging = true
	h.send("l")
	h.expect("l" + "Debug active.\r\n")
	w, _ := h.dev.Memory.ReadWord(layout.DebugLockWord)
	if w != 0xFFFFFFFF {
		t.Errorf("lock word = 0x%08X under debugger, want erased", w)
	}
}

func TestBootCommand(t *testing.T) {
	h := newHarness(t)
	h.send("b")
	h.expect("b\r\nFail\r\n")

	h.dev.Memory.Poke(layout.DefaultBootloaderSize, []byte{0x00, 0x80, 0x00, 0x20})
	h.dev.Memory.Poke(layout.DefaultBootloaderSize+4, []byte{0xC1, 0x40, 0x00, 0x00})
	h.send("b")
	h.expect("b" + "Booting application\r\n")
	if err := h.exit(); !errors.Is(err, boot.ErrBooted) {
		t.Fatalf("Serve() = %v, want ErrBooted", err)
	}
	if h.dev.CPU.JumpPC != 0x40C1 || h.dev.USB.Disconnects() != 1 {
		t.Errorf("jump PC = 0x%X, disconnects = %d", h.dev.CPU.JumpPC, h.dev.USB.Disconnects())
	}
	if h.clock.Slept != 7*time.Second {
		t.Errorf("slept %v before boot, want 7s", h.clock.Slept)
	}
}

func TestResetCommand(t *testing.T) {
	h := newHarness(t)
	h.send("r")
	if err := h.exit(); !errors.Is(err, boot.ErrReset) {
		t.Fatalf("Serve() = %v, want ErrReset", err)
	}
	if h.dev.CPU.Resets != 1 || h.dev.USB.Disconnects() != 1 {
		t.Errorf("resets = %d, disconnects = %d; want 1, 1", h.dev.CPU.Resets, h.dev.USB.Disconnects())
	}
}

func TestStart_ConnectTimeout(t *testing.T) {
	clock := sim.NewFakeClock()
	dev := sim.NewDevice(sim.DefaultInfo, clock)
	dev.Board.Pressed = true
	bl, err := bootloader.New(dev.Context(), baseOptions()...)
	if err != nil {
		t.Fatal(err)
	}

	if err := bl.Start(context.Background()); !errors.Is(err, boot.ErrReset) {
		t.Fatalf("Start() = %v, want ErrReset", err)
	}
	if clock.Slept != 32*time.Second {
		t.Errorf("slept %v, want 30s wait plus 2s disconnect", clock.Slept)
	}
	if dev.USB.Disconnects() != 1 || dev.CPU.Resets != 1 {
		t.Errorf("disconnects = %d, resets = %d; want 1, 1", dev.USB.Disconnects(), dev.CPU.Resets)
	}
	if len(dev.HostUSB.Drain(10*time.Millisecond)) != 0 || len(dev.HostUART.Drain(10*time.Millisecond)) != 0 {
		t.Error("timeout reported on a transport")
	}
}

func TestStart_ButtonReleased(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultInfo, sim.NewFakeClock())
	bl, err := bootloader.New(dev.Context(), baseOptions()...)
	if err != nil {
		t.Fatal(err)
	}

	if err := bl.Start(context.Background()); !errors.Is(err, boot.ErrNoApplication) {
		t.Fatalf("Start() on blank device = %v, want ErrNoApplication", err)
	}
	if !dev.Board.LED(0) || !dev.Board.LED(1) {
		t.Error("blank device should light both LEDs")
	}

	dev = sim.NewDevice(sim.DefaultInfo, sim.NewFakeClock())
	dev.Memory.Poke(layout.DefaultBootloaderSize, []byte{0x00, 0x80, 0x00, 0x20, 0x01, 0x50, 0x00, 0x00})
	bl, _ = bootloader.New(dev.Context(), baseOptions()...)
	if err := bl.Start(context.Background()); !errors.Is(err, boot.ErrBooted) {
		t.Fatalf("Start() = %v, want ErrBooted", err)
	}
	if !dev.Board.LED(0) || dev.Board.LED(1) {
		t.Error("boot should light LED0 only")
	}
}

func TestStart_USB(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultInfo, sim.NewFakeClock())
	dev.Board.Pressed = true
	dev.USB.SetConfigured(true)
	bl, err := bootloader.New(dev.Context(), baseOptions()...)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- bl.Start(context.Background()) }()

	h := &harness{t: t, host: dev.HostUSB}
	h.expect("\r\n\r\nBOOTLOADER version 1.01, Chip ID 0B0E1F2A00C0FFEE\r\n")
	h.send("r")
	if err := <-done; !errors.Is(err, boot.ErrReset) {
		t.Errorf("Start() = %v, want ErrReset", err)
	}
}

// brokenUART refuses every baud rate.
type brokenUART struct{ *sim.UART }

func (brokenUART) SetBaudRate(int) error { return errors.New("baud generator stuck") }

func TestConnect_LogsAutobaudFailure(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultInfo, nil)
	ctx := dev.Context()
	ctx.UART = brokenUART{dev.UART}
	dev.Edges.SendChars([]byte("U"), 19200)

	logger, hook := logtest.NewNullLogger()
	bl, err := bootloader.New(ctx, baseOptions(
		bootloader.WithLogger(logger),
		bootloader.WithPollInterval(time.Millisecond),
		bootloader.WithConnectTimeout(200*time.Millisecond),
	)...)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bl.Connect(context.Background()); !errors.Is(err, bootloader.ErrConnectionTimeout) {
		t.Fatalf("Connect() = %v, want ErrConnectionTimeout", err)
	}
	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "uart autobaud failed" {
			found = true
		}
	}
	if !found {
		t.Error("autobaud failure was not logged")
	}
}

func TestStart_UARTAutobaud(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultInfo, nil)
	dev.Board.Pressed = true
	bl, err := bootloader.New(dev.Context(), baseOptions(
		bootloader.WithPollInterval(time.Millisecond),
		bootloader.WithConnectTimeout(2*time.Second),
		bootloader.WithExitDelays(0, 0),
	)...)
	if err != nil {
		t.Fatal(err)
	}

	dev.Edges.SendChars([]byte("U"), 38400)
	done := make(chan error, 1)
	go func() { done <- bl.Start(context.Background()) }()

	h := &harness{t: t, host: dev.HostUART}
	h.expect("Chip ID 0B0E1F2A00C0FFEE\r\n")
	if dev.UART.BaudRate() != 38400 {
		t.Errorf("UART baud = %d, want 38400", dev.UART.BaudRate())
	}
	h.send("r")
	if err := <-done; !errors.Is(err, boot.ErrReset) {
		t.Errorf("Start() = %v, want ErrReset", err)
	}
}

func TestNew_RejectsBadBootloaderSize(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultInfo, nil)
	if _, err := bootloader.New(dev.Context(), bootloader.WithBootloaderSize(0x4100)); err == nil {
		t.Error("New() accepted a bootloader size that is not page aligned")
	}
}
