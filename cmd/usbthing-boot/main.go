package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usbthing/bootloader/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	verboseFlag bool
	logJSONFlag bool
)

var log = logrus.New()

func main() {
	rootCmd := &cobra.Command{
		Use:   "usbthing-boot",
		Short: "Field upgrade tools for the USBThing bootloader",
		Long: `usbthing-boot talks to the USBThing bootloader over its USB virtual
serial port or a UART. It uploads application images with XMODEM-CRC,
verifies them against the CRC the device reports, and can run a simulated
device for testing host tooling without hardware.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "Log as JSON")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("usbthing-boot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newUploadCmd(),
		newInfoCmd(),
		newDeviceCmd("boot", "Start the application", runBoot),
		newDeviceCmd("reset", "Reset the device", runReset),
		newDeviceCmd("lock-debug", "Permanently lock the debug interface", runLockDebug),
		newCRCCmd(),
		newDumpCmd(),
		newCtrlCmd(),
		versionCmd,
		listCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	log.SetOutput(os.Stderr)
	if verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	if logJSONFlag {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
