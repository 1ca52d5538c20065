package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xcrc32"
	"zappem.net/pub/debug/xxd"

	"github.com/usbthing/bootloader/internal/crc"
	"github.com/usbthing/bootloader/internal/hw/sim"
	"github.com/usbthing/bootloader/internal/layout"
)

var lengthFlag string

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <address>",
		Short: "Hex dump the flash image of a simulated device",
		Long: `Print part of the flash image kept by "run", with the CRC-16 the
bootloader would report for that range and a CRC-32 fingerprint.

Addresses may be decimal or 0x-prefixed hex, and may fall in main flash,
the user page (0x0FE00000) or the lock page (0x0FE04000).`,
		Args: cobra.ExactArgs(1),
		RunE: runDump,
	}
	cmd.Flags().StringVar(&imageFlag, "image", "usbthing-flash.bin", "Flash image file")
	cmd.Flags().Uint32Var(&flashSizeFlag, "flash-size", 128, "Flash size in KB")
	cmd.Flags().StringVarP(&lengthFlag, "length", "n", "0x100", "Number of bytes")
	return cmd
}

func runDump(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", args[0], err)
	}
	n, err := strconv.ParseUint(lengthFlag, 0, 32)
	if err != nil {
		return fmt.Errorf("bad length %q: %w", lengthFlag, err)
	}

	info := sim.DefaultInfo
	info.FlashSizeKB = flashSizeFlag
	dev := sim.NewDevice(info, nil)
	f, err := os.Open(imageFlag)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := dev.Memory.ReadFrom(f); err != nil {
		return err
	}

	d := make([]byte, n)
	if err := dev.Memory.Read(uint32(addr), d); err != nil {
		return fmt.Errorf("failed to read 0x%08X+0x%X: %w", addr, n, err)
	}
	xxd.Print(int(addr), d)

	_, fingerprint := xcrc32.NewCRC32(d)
	fmt.Printf("crc16 0x%04X crc32 0x%08x\n", crc.Checksum(d), fingerprint)
	if addr <= layout.DebugLockWord && addr+n >= layout.DebugLockWord+4 {
		w := d[layout.DebugLockWord-addr:]
		fmt.Printf("debug lock word 0x%02X%02X%02X%02X\n", w[3], w[2], w[1], w[0])
	}
	return nil
}
