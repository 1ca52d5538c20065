package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xxd"

	"github.com/usbthing/bootloader/internal/protocol"
)

// ctrlBuilders make a control message from positional arguments.
var ctrlBuilders = map[string]struct {
	args  string
	build func(v []uint64) protocol.Message
}{
	"noop":     {"", func([]uint64) protocol.Message { return &protocol.Noop{} }},
	"serial":   {"", func([]uint64) protocol.Message { return &protocol.SerialGet{} }},
	"firmware": {"", func([]uint64) protocol.Message { return &protocol.FirmwareGet{} }},
	"reset":    {"", func([]uint64) protocol.Message { return &protocol.Reset{} }},
	"led": {"<pin> <on>", func(v []uint64) protocol.Message {
		return &protocol.LEDSet{Pin: uint8(v[0]), Enable: v[1] != 0}
	}},
	"gpio-config": {"<pin> <mode> <pull> <int>", func(v []uint64) protocol.Message {
		return &protocol.GPIOConfig{Pin: uint8(v[0]), Mode: uint8(v[1]), Pull: uint8(v[2]), Interrupt: uint8(v[3])}
	}},
	"gpio-set": {"<pin> <level>", func(v []uint64) protocol.Message {
		return &protocol.GPIOSet{Pin: uint8(v[0]), Level: uint8(v[1])}
	}},
	"adc-config": {"<ref>", func(v []uint64) protocol.Message {
		return &protocol.ADCConfig{Ref: uint8(v[0])}
	}},
	"adc-enable": {"<on>", func(v []uint64) protocol.Message {
		return &protocol.ADCEnable{Enable: v[0] != 0}
	}},
	"dac-set": {"<on> <value>", func(v []uint64) protocol.Message {
		return &protocol.DACSet{Enable: v[0] != 0, Value: uint16(v[1])}
	}},
	"spi-config": {"<freq> <mode>", func(v []uint64) protocol.Message {
		return &protocol.SPIConfig{Frequency: uint32(v[0]), ClockMode: uint8(v[1])}
	}},
	"spi-close": {"", func([]uint64) protocol.Message { return &protocol.SPIClose{} }},
	"i2c-config": {"<freq>", func(v []uint64) protocol.Message {
		return &protocol.I2CConfig{Frequency: uint32(v[0])}
	}},
	"i2c-transfer": {"<mode> <addr> <write> <read>", func(v []uint64) protocol.Message {
		return &protocol.I2CTransfer{Mode: uint8(v[0]), Address: uint8(v[1]), NumWrite: uint8(v[2]), NumRead: uint8(v[3])}
	}},
}

func newCtrlCmd() *cobra.Command {
	names := make([]string, 0, len(ctrlBuilders))
	for name, b := range ctrlBuilders {
		names = append(names, "  "+strings.TrimSpace(name+" "+b.args))
	}
	sort.Strings(names)

	cmd := &cobra.Command{
		Use:   "ctrl <message> [args...]",
		Short: "Encode an application control message",
		Long: "Print the control block the application firmware expects for a message.\n\nMessages:\n" +
			strings.Join(names, "\n") +
			"\n  spi-xfer <hex out> <bytes in>\n  i2c-xfer <mode> <hex out> <bytes in>",
		Args: cobra.MinimumNArgs(1),
		RunE: runCtrl,
	}
	return cmd
}

func parseArgs(args []string) ([]uint64, error) {
	v := make([]uint64, len(args))
	for i, a := range args {
		n, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad argument %q: %w", a, err)
		}
		v[i] = n
	}
	return v, nil
}

func runCtrl(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "spi-xfer":
		if len(args) != 3 {
			return fmt.Errorf("usage: spi-xfer <hex out> <bytes in>")
		}
		return printTransfer(protocol.ModuleSPI, 0, args[1], args[2])
	case "i2c-xfer":
		if len(args) != 4 {
			return fmt.Errorf("usage: i2c-xfer <mode> <hex out> <bytes in>")
		}
		mode, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return fmt.Errorf("bad mode %q: %w", args[1], err)
		}
		return printTransfer(protocol.ModuleI2C, uint8(mode), args[2], args[3])
	}

	b, ok := ctrlBuilders[args[0]]
	if !ok {
		return fmt.Errorf("unknown message %q", args[0])
	}
	want := len(strings.Fields(b.args))
	if len(args)-1 != want {
		return fmt.Errorf("usage: %s %s", args[0], b.args)
	}
	v, err := parseArgs(args[1:])
	if err != nil {
		return err
	}
	m := b.build(v)
	fmt.Printf("module %s (%d) command 0x%02X, %d bytes\n", m.Module(), m.Module(), m.Command(), m.Size())
	xxd.Print(0, protocol.EncodeControl(m))
	return nil
}

// printTransfer prints the data messages of one bulk transfer.
func printTransfer(module protocol.Module, mode uint8, out, in string) error {
	data, err := hex.DecodeString(out)
	if err != nil {
		return fmt.Errorf("bad hex data: %w", err)
	}
	nIn, err := strconv.ParseUint(in, 0, 16)
	if err != nil {
		return fmt.Errorf("bad byte count %q: %w", in, err)
	}

	msgs := []protocol.DataMessage{{
		Module:  module,
		ID:      protocol.DataTransferInit,
		Payload: protocol.TransferInit{Mode: mode, BytesOut: uint16(len(data)), BytesIn: uint16(nIn)},
	}}
	for _, blk := range protocol.SplitBlocks(data) {
		msgs = append(msgs, protocol.DataMessage{Module: module, ID: protocol.DataOut, Payload: blk})
	}
	msgs = append(msgs, protocol.DataMessage{Module: module, ID: protocol.DataTransferComplete})

	for _, m := range msgs {
		b, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Printf("%s data id %d\n", module, m.ID)
		xxd.Print(0, b)
	}
	return nil
}
