package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usbthing/bootloader/internal/boot"
	"github.com/usbthing/bootloader/internal/bootloader"
	"github.com/usbthing/bootloader/internal/hw"
	"github.com/usbthing/bootloader/internal/hw/sim"
	"github.com/usbthing/bootloader/internal/serial"
)

var (
	imageFlag          string
	listenFlag         string
	serialFlag         string
	buttonFlag         bool
	debugGuardFlag     bool
	connectTimeoutFlag time.Duration
	exitDelayFlag      time.Duration
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated device",
		Long: `Run the bootloader on a simulated Giant Gecko.

By default the device's USB virtual serial port is a TCP listener: connect
with --tcp on the other commands. With --serial the device uses its UART
on a real serial port instead and waits for autobaud characters.

The flash contents are kept in the image file across runs and resets.`,
		RunE: runRun,
	}
	cmd.Flags().StringVar(&imageFlag, "image", "usbthing-flash.bin", "Flash image file")
	cmd.Flags().StringVar(&listenFlag, "listen", "127.0.0.1:4141", "TCP address for the USB link")
	cmd.Flags().StringVar(&serialFlag, "serial", "", "Serve the UART on this serial port instead of TCP")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Serial port baud rate")
	cmd.Flags().Uint32Var(&flashSizeFlag, "flash-size", 128, "Flash size in KB")
	cmd.Flags().BoolVar(&buttonFlag, "button", true, "Hold the bootloader button at reset")
	cmd.Flags().BoolVar(&debugGuardFlag, "debug-guard", false, "Refuse debug lock while a debugger is attached")
	cmd.Flags().DurationVar(&connectTimeoutFlag, "connect-timeout", 30*time.Second, "Reset when no host connects in time")
	cmd.Flags().DurationVar(&exitDelayFlag, "exit-delay", 5*time.Second, "Delay before leaving the bus on boot or reset")
	return cmd
}

// simulator runs a bootloader on a simulated device until it boots the
// application or is interrupted.
type simulator struct {
	dev   *sim.Device
	image string
	log   logrus.FieldLogger

	// attached is set while a host holds the TCP link.
	attached atomic.Bool
}

func runRun(cmd *cobra.Command, args []string) error {
	if !verboseFlag {
		log.SetLevel(logrus.InfoLevel)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	info := sim.DefaultInfo
	info.FlashSizeKB = flashSizeFlag
	s := &simulator{
		dev:   sim.NewDevice(info, sim.RealClock{}),
		image: imageFlag,
		log:   log.WithField("component", "sim"),
	}
	s.dev.Board.Pressed = buttonFlag
	if err := s.load(); err != nil {
		return err
	}

	var err error
	if serialFlag != "" {
		err = s.serveSerial(ctx, serialFlag, baudFlag)
	} else {
		err = s.serveTCP(ctx, listenFlag)
	}
	if err != nil {
		return err
	}
	return s.loop(ctx)
}

func (s *simulator) loop(ctx context.Context) error {
	for {
		bl, err := bootloader.New(s.dev.Context(),
			bootloader.WithLogger(log),
			bootloader.WithDebugGuard(debugGuardFlag),
			bootloader.WithConnectTimeout(connectTimeoutFlag),
			bootloader.WithExitDelays(exitDelayFlag, 2*time.Second),
		)
		if err != nil {
			return err
		}
		err = bl.Start(ctx)
		if serr := s.save(); serr != nil {
			s.log.WithError(serr).Error("failed to save flash image")
		}

		switch {
		case errors.Is(err, boot.ErrReset):
			s.log.Info("device reset")
			s.powerCycle()
		case errors.Is(err, boot.ErrBooted):
			cpu := s.dev.CPU
			s.log.WithFields(logrus.Fields{
				"sp": fmt.Sprintf("0x%08X", cpu.JumpSP),
				"pc": fmt.Sprintf("0x%08X", cpu.JumpPC),
			}).Info("application started, press Ctrl-C to stop")
			<-ctx.Done()
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

// powerCycle puts the peripherals back in their reset state. A host still
// holding the TCP link enumerates again.
func (s *simulator) powerCycle() {
	s.dev.UART.SetBaudRate(0)
	s.dev.HostUSB.Flush()
	s.dev.USB.SetConfigured(s.attached.Load())
}

func (s *simulator) load() error {
	f, err := os.Open(s.image)
	if errors.Is(err, os.ErrNotExist) {
		s.log.WithField("image", s.image).Info("starting with erased flash")
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := s.dev.Memory.ReadFrom(f)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", s.image, err)
	}
	s.log.WithFields(logrus.Fields{"image": s.image, "bytes": n}).Info("flash image loaded")
	return nil
}

func (s *simulator) save() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.image), ".usbthing-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := s.dev.Memory.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.image)
}

// serveTCP accepts one host at a time and bridges it to the USB link.
func (s *simulator) serveTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.log.WithField("addr", ln.Addr().String()).Info("usb link listening")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.bridgeUSB(ctx, conn)
		}
	}()
	return nil
}

func (s *simulator) bridgeUSB(ctx context.Context, conn net.Conn) {
	log := s.log.WithField("host", conn.RemoteAddr().String())
	log.Info("host attached")
	defer conn.Close()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-cctx.Done()
		conn.Close()
	}()

	s.dev.HostUSB.Flush()
	s.attached.Store(true)
	s.dev.USB.SetConfigured(true)
	defer func() {
		s.attached.Store(false)
		s.dev.USB.SetConfigured(false)
		log.Info("host detached")
	}()

	go func() {
		buf := make([]byte, 512)
		for {
			n, err := s.dev.HostUSB.Read(cctx, buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				cancel()
				return
			}
		}
	}()

	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		s.dev.HostUSB.Write(buf[:n])
	}
}

// serveSerial bridges a real serial port to the device UART. Until the
// bootloader has measured the bit rate, incoming characters only produce
// RX edges.
func (s *simulator) serveSerial(ctx context.Context, name string, baud int) error {
	port, err := serial.Open(name, baud)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"port": name, "baud": baud}).Info("uart attached")
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	start := time.Now()
	go func() {
		for {
			c, err := port.GetByte(100 * time.Millisecond)
			if errors.Is(err, hw.ErrTimeout) {
				continue
			}
			if err != nil {
				return
			}
			if s.dev.UART.BaudRate() == 0 {
				s.dev.Edges.Offer(c, baud, time.Since(start))
				continue
			}
			s.dev.HostUART.Write([]byte{c})
		}
	}()
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := s.dev.HostUART.Read(ctx, buf)
			if err != nil {
				return
			}
			if _, err := port.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	return nil
}
