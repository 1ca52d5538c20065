package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xcrc32"

	"github.com/usbthing/bootloader/embedded"
	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/detect"
	"github.com/usbthing/bootloader/internal/layout"
	"github.com/usbthing/bootloader/internal/serial"
	"github.com/usbthing/bootloader/internal/uploader"
	"github.com/usbthing/bootloader/internal/xmodem"
)

// Link flags shared by every command that talks to a device.
var (
	portFlag      string
	baudFlag      int
	tcpFlag       string
	autobaudFlag  bool
	timeoutFlag   time.Duration
	targetFlag    string
	verifyFlag    bool
	blockSizeFlag int
	flashSizeFlag uint32
	bootFlag      bool
)

type hostPort interface {
	uploader.Port
	io.Closer
}

func addLinkFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate")
	cmd.Flags().StringVar(&tcpFlag, "tcp", "", "Connect to a simulated device at host:port instead of a serial port")
	cmd.Flags().BoolVar(&autobaudFlag, "autobaud", false, "Wake a UART bootloader by sending autobaud characters")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "Autobaud and reply timeout")
}

// openDevice opens the link selected by the flags and returns an uploader
// on it.
func openDevice(ctx context.Context) (*uploader.Uploader, hostPort, error) {
	var port hostPort
	switch {
	case tcpFlag != "":
		p, err := dialNetPort(tcpFlag, timeoutFlag)
		if err != nil {
			return nil, nil, err
		}
		port = p
	default:
		name := portFlag
		if name == "" {
			fmt.Println("Detecting device...")
			opts := detect.DefaultOptions()
			opts.BaudRate = baudFlag
			opts.Logger = log
			if !autobaudFlag {
				opts.AutobaudTimeout = 0
			}
			result, err := detect.DetectDevice(ctx, opts)
			if err != nil {
				return nil, nil, fmt.Errorf("device detection failed: %w", err)
			}
			name = result.Port
			fmt.Printf("Found bootloader %s on %s\n", result.Identity, result.Port)
		}
		p, err := serial.Open(name, baudFlag)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open port: %w", err)
		}
		port = p
		fmt.Printf("Port: %s @ %d baud\n", name, baudFlag)
	}

	u := uploader.New(port, log)
	u.SetReplyTimeout(timeoutFlag)
	if autobaudFlag {
		fmt.Println("Connecting to bootloader...")
		id, err := u.Connect(ctx, timeoutFlag)
		if err != nil {
			port.Close()
			return nil, nil, err
		}
		fmt.Printf("Connected to %s\n", id)
	}
	return u, port, nil
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [image.bin]",
		Short: "Upload an image to the device",
		Long: `Upload an image over XMODEM-CRC.

Targets:
  application  the application region after the bootloader (default)
  flash        the whole flash, bootloader included
  user-page    the user data page
  lock-page    the lock bits page (bits can only be cleared)

Without an image file the built-in demo application is uploaded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runUpload,
	}
	addLinkFlags(cmd)
	cmd.Flags().StringVarP(&targetFlag, "target", "t", "application", "Upload target")
	cmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify the region CRC after uploading")
	cmd.Flags().IntVar(&blockSizeFlag, "block-size", xmodem.BlockSize1K, "XMODEM block size (128 or 1024)")
	cmd.Flags().Uint32Var(&flashSizeFlag, "flash-size", 128, "Device flash size in KB, for verify")
	cmd.Flags().BoolVar(&bootFlag, "boot", false, "Start the application after a successful upload")
	return cmd
}

// regionSize is the size of target on a device with flashSizeFlag KB.
func regionSize(target uploader.Target) int {
	flashSize := int(flashSizeFlag) * 1024
	switch target {
	case uploader.Full:
		return flashSize
	case uploader.UserPage:
		return layout.UserPageEnd - layout.UserPageStart
	case uploader.LockPage:
		return layout.LockPageEnd - layout.LockPageStart
	default:
		return flashSize - layout.DefaultBootloaderSize
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	target, err := uploader.ParseTarget(targetFlag)
	if err != nil {
		return err
	}

	imagePath, image := "demo application", embedded.DemoApplication()
	if len(args) == 1 {
		imagePath = args[0]
		image, err = os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("failed to read image file: %w", err)
		}
	}
	if size := regionSize(target); len(image) > size {
		return fmt.Errorf("image is %d bytes, %s holds %d", len(image), target, size)
	}

	_, fingerprint := xcrc32.NewCRC32(image)
	fmt.Printf("Image: %s (%d bytes, crc32 0x%08x, crc16 0x%04X)\n", imagePath, len(image), fingerprint, crc.Checksum(image))

	ctx := cmd.Context()
	u, port, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer port.Close()

	u.SetBlockSize(blockSizeFlag)
	bar := progressbar.NewOptions(len(image),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	u.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Printf("\nUploading %s to %s...\n", imagePath, target)
	if err := u.Upload(ctx, target, image); err != nil {
		return err
	}
	bar.Finish()
	fmt.Println("\nUpload complete!")

	if verifyFlag {
		fmt.Println("Verifying...")
		if err := u.Verify(target, image, regionSize(target)); err != nil {
			return err
		}
		fmt.Println("Verified!")
	}

	if bootFlag {
		fmt.Println("Booting application...")
		if err := u.Boot(); err != nil {
			return err
		}
	}

	fmt.Println("Done!")
	return nil
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show bootloader info",
		Long:  "Detect bootloaders and show their chip IDs.",
		RunE:  runInfo,
	}
	addLinkFlags(cmd)
	return cmd
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if portFlag != "" || tcpFlag != "" {
		u, port, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer port.Close()
		id, err := u.Identify()
		if err != nil {
			return err
		}
		printDeviceInfo(&detect.Result{Port: portFlag + tcpFlag, Identity: *id})
		return nil
	}

	fmt.Println("Scanning for bootloaders...")
	opts := detect.DefaultOptions()
	opts.BaudRate = baudFlag
	opts.Logger = log
	if !autobaudFlag {
		opts.AutobaudTimeout = 0
	}
	devices, err := detect.ListDevices(ctx, opts)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bootloaders found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Chip ID:  %s\n", d.Identity)
}

// newDeviceCmd builds a command that sends one bootloader command.
func newDeviceCmd(use, short string, run func(*uploader.Uploader) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, port, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer port.Close()
			return run(u)
		},
	}
	addLinkFlags(cmd)
	return cmd
}

func runBoot(u *uploader.Uploader) error {
	if err := u.Boot(); err != nil {
		return err
	}
	fmt.Println("Application started")
	return nil
}

func runReset(u *uploader.Uploader) error {
	if err := u.Reset(); err != nil {
		return err
	}
	fmt.Println("Device reset")
	return nil
}

func runLockDebug(u *uploader.Uploader) error {
	if err := u.LockDebug(); err != nil {
		return err
	}
	fmt.Println("Debug interface locked")
	return nil
}

func newCRCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crc",
		Short: "Print the CRC the device computes over a region",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := uploader.ParseTarget(targetFlag)
			if err != nil {
				return err
			}
			u, port, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer port.Close()
			v, err := u.CRC(target)
			if err != nil {
				return err
			}
			fmt.Printf("%s: 0x%04X\n", target, v)
			return nil
		},
	}
	addLinkFlags(cmd)
	cmd.Flags().StringVarP(&targetFlag, "target", "t", "application", "Region to check")
	return cmd
}
