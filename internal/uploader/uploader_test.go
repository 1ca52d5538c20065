package uploader_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/bootloader"
	"github.com/usbthing/bootloader/internal/hw/sim"
	"github.com/usbthing/bootloader/internal/layout"
	"github.com/usbthing/bootloader/internal/transport"
	"github.com/usbthing/bootloader/internal/uploader"
	"github.com/usbthing/bootloader/internal/xmodem"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func options(extra ...bootloader.Option) []bootloader.Option {
	return append([]bootloader.Option{
		bootloader.WithLogger(quietLogger()),
		bootloader.WithReadTimeout(20 * time.Millisecond),
		bootloader.WithXModem(xmodem.Config{
			MaxRetries:       3,
			MaxStartAttempts: 20,
			StartInterval:    50 * time.Millisecond,
			ByteTimeout:      10 * time.Millisecond,
		}),
	}, extra...)
}

// serve runs a simulated bootloader on USB and returns an uploader talking
// to it.
func serve(t *testing.T, extra ...bootloader.Option) (*uploader.Uploader, *sim.Device) {
	t.Helper()
	dev := sim.NewDevice(sim.DefaultInfo, sim.NewFakeClock())
	dev.USB.SetConfigured(true)
	bl, err := bootloader.New(dev.Context(), options(extra...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bl.Serve(ctx, transport.New(transport.NewCDCChannel(dev.USB), "usb"))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return uploader.New(dev.HostUSB, quietLogger()), dev
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func TestIdentify(t *testing.T) {
	u, _ := serve(t)
	id, err := u.Identify()
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if id.String() != "0B0E1F2A00C0FFEE" {
		t.Errorf("Identify() = %s, want 0B0E1F2A00C0FFEE", id)
	}
}

func TestUploadAndVerify(t *testing.T) {
	u, dev := serve(t)
	img := image(3000)

	var last, total int
	u.SetProgressCallback(func(current, n int) { last, total = current, n })
	if err := u.Upload(context.Background(), uploader.Application, img); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if last != len(img) || total != len(img) {
		t.Errorf("progress ended at %d/%d, want %d/%d", last, total, len(img), len(img))
	}

	appSize := int(dev.Info.FlashSizeKB*1024) - layout.DefaultBootloaderSize
	if err := u.Verify(uploader.Application, img, appSize); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	other := image(3000)
	other[10] ^= 1
	if err := u.Verify(uploader.Application, other, appSize); !errors.Is(err, uploader.ErrVerifyMismatch) {
		t.Errorf("Verify(modified image) error = %v, want ErrVerifyMismatch", err)
	}
}

func TestUploadUserPage(t *testing.T) {
	u, dev := serve(t)
	img := image(200)

	if err := u.Upload(context.Background(), uploader.UserPage, img); err != nil {
		t.Fatalf("Upload(user page) error = %v", err)
	}
	w, err := dev.Memory.ReadWord(layout.UserPageStart)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint32(img[0]) | uint32(img[1])<<8 | uint32(img[2])<<16 | uint32(img[3])<<24; w != want {
		t.Errorf("user page word 0 = 0x%08X, want 0x%08X", w, want)
	}
	if err := u.Verify(uploader.UserPage, img, layout.UserPageEnd-layout.UserPageStart); err != nil {
		t.Errorf("Verify(user page) error = %v", err)
	}
}

func TestUploadDoesNotFit(t *testing.T) {
	u, _ := serve(t)
	u.SetBlockSize(xmodem.BlockSize)

	err := u.Upload(context.Background(), uploader.UserPage, image(600))
	if !errors.Is(err, uploader.ErrDeviceFailed) {
		t.Fatalf("Upload() error = %v, want ErrDeviceFailed", err)
	}
	if !strings.Contains(err.Error(), "does not fit") {
		t.Errorf("Upload() error = %q, want the device's reason", err)
	}

	// The device is back at the command prompt.
	if _, err := u.Identify(); err != nil {
		t.Errorf("Identify() after failed upload error = %v", err)
	}
}

func TestLockDebug(t *testing.T) {
	u, dev := serve(t)
	for i := 0; i < 2; i++ {
		if err := u.LockDebug(); err != nil {
			t.Fatalf("LockDebug() #%d error = %v", i+1, err)
		}
	}
	if w, _ := dev.Memory.ReadWord(layout.DebugLockWord); w != 0 {
		t.Errorf("lock word = 0x%08X, want 0", w)
	}

	u, dev = serve(t, bootloader.WithDebugGuard(true))
	dev.CPU.Debugging = true
	if err := u.LockDebug(); !errors.Is(err, uploader.ErrDeviceFailed) {
		t.Errorf("LockDebug() under debugger error = %v, want ErrDeviceFailed", err)
	}
}

func TestBootBlankDevice(t *testing.T) {
	u, _ := serve(t)
	if err := u.Boot(); !errors.Is(err, uploader.ErrDeviceFailed) {
		t.Errorf("Boot() error = %v, want ErrDeviceFailed", err)
	}
}

func TestConnectUART(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultInfo, nil)
	dev.Board.Pressed = true
	bl, err := bootloader.New(dev.Context(), options(
		bootloader.WithPollInterval(time.Millisecond),
		bootloader.WithConnectTimeout(2*time.Second),
		bootloader.WithExitDelays(0, 0),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	dev.Edges.SendChars([]byte("U"), 19200)

	done := make(chan error, 1)
	go func() { done <- bl.Start(context.Background()) }()

	u := uploader.New(dev.HostUART, quietLogger())
	id, err := u.Connect(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if id.UniqueL != sim.DefaultInfo.UniqueL {
		t.Errorf("Connect() UniqueL = 0x%08X, want 0x%08X", id.UniqueL, sim.DefaultInfo.UniqueL)
	}
	if err := u.Reset(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("device did not reset")
	}
}

func TestParseTarget(t *testing.T) {
	tests := map[string]uploader.Target{
		"app":       uploader.Application,
		"FULL":      uploader.Full,
		"user":      uploader.UserPage,
		"lock-page": uploader.LockPage,
	}
	for in, want := range tests {
		got, err := uploader.ParseTarget(in)
		if err != nil || got != want {
			t.Errorf("ParseTarget(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := uploader.ParseTarget("eeprom"); err == nil {
		t.Error("ParseTarget(eeprom) succeeded")
	}
}
