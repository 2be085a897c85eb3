package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/uartboot/internal/boot"
	"github.com/bigbag/uartboot/internal/detect"
	"github.com/bigbag/uartboot/internal/emulator"
	"github.com/bigbag/uartboot/internal/firmware"
	"github.com/bigbag/uartboot/internal/flash"
	"github.com/bigbag/uartboot/internal/image"
	"github.com/bigbag/uartboot/internal/layout"
	"github.com/bigbag/uartboot/internal/protocol"
	"github.com/bigbag/uartboot/internal/serial"
	"github.com/bigbag/uartboot/internal/uploader"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	baudFlag    int
	enterFlag   bool
	resetFlag   bool
	forceFlag   bool
	verboseFlag bool
	flashFlag   string
	windowFlag  time.Duration
	extractFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "uartboot",
		Short: "Upload applications to the UART bootloader",
		Long: `uartboot talks to the second-stage UART bootloader of RP2350-class boards.

It uploads application images (.bin, .hex or .uf2) over a serial port,
inspects flash dumps, and can run the bootloader itself on the host against
a file-backed flash for testing.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseFlag {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")

	// Upload command
	uploadCmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Upload an application image",
		Long: `Upload an application image to a device in update mode.

The device enters update mode on its own when no valid application is
installed. Otherwise use --enter to ask the running application to reboot
and press the update key during the bootloader's wait window, or --reset to
pulse the reset line first.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	uploadCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	uploadCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	uploadCmd.Flags().BoolVar(&enterFlag, "enter", false, "Reboot the application into update mode first")
	uploadCmd.Flags().BoolVar(&resetFlag, "reset", false, "Pulse RTS to reset the device first")
	uploadCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip the vector table check")

	// Emulate command
	emulateCmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run the bootloader on this machine",
		Long: `Run the bootloader against a flash image file, talking over a serial
port. Pair it with "uartboot upload" on the other end of a null-modem or
virtual serial pair.`,
		RunE: runEmulate,
	}
	emulateCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port to serve")
	emulateCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	emulateCmd.Flags().StringVar(&flashFlag, "flash", "flash.bin", "Flash image file (created erased if missing)")
	emulateCmd.Flags().DurationVar(&windowFlag, "window", boot.DefaultWindow, "Wait window for the update key")
	emulateCmd.MarkFlagRequired("port")

	// Inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect <flash.bin>",
		Short: "Check the application in a flash dump",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().StringVar(&extractFlag, "extract", "", "Write the application to this Intel HEX file")

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("uartboot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(uploadCmd, emulateCmd, inspectCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	img, err := firmware.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}
	fmt.Printf("Image: %s (%s, %d bytes at 0x%08X)\n", args[0], img.Format, len(img.Data), img.Base)

	if err := uploader.Check(img.Data, forceFlag); err != nil {
		return fmt.Errorf("image rejected: %w", err)
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice()
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s device on %s\n", result.Vendor, result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)

	up := uploader.New(port, uploader.Options{Force: forceFlag})

	if resetFlag {
		fmt.Println("Resetting device...")
		if err := port.ResetDevice(); err != nil {
			return fmt.Errorf("failed to reset device: %w", err)
		}
	}
	if enterFlag || resetFlag {
		fmt.Println("Entering update mode...")
		if err := up.Enter(ctx); err != nil {
			return fmt.Errorf("failed to enter update mode: %w", err)
		}
	}
	port.Flush()

	bar := progressbar.NewOptions(int(protocol.ChunkCount(uint32(len(img.Data)))),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	up.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Println("Erasing and uploading...")
	if err := up.Upload(ctx, img.Data); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	bar.Finish()
	fmt.Println("\nUpload complete, device is verifying and resetting.")
	return nil
}

func runEmulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev, err := flash.OpenFile(flashFlag, layout.FlashSize, layout.EraseSize, layout.WriteSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	port, err := serial.Open(portFlag, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Emulating on %s @ %d baud, flash %s\n", portFlag, baudFlag, flashFlag)

	m := emulator.New(flash.NewRegion(dev), port, emulator.Options{
		Window: windowFlag,
		Logger: logrus.StandardLogger(),
	})
	err = m.PowerOn(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runInspect(cmd *cobra.Command, args []string) error {
	contents, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read flash dump: %w", err)
	}
	if len(contents) > int(layout.FlashSize) {
		return fmt.Errorf("flash dump is %d bytes, flash holds %d", len(contents), layout.FlashSize)
	}

	dev := flash.NewMemDevice(layout.FlashSize, layout.EraseSize, layout.WriteSize)
	if err := dev.Load(0, contents); err != nil {
		return err
	}
	region := flash.NewRegion(dev)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	rep, checkErr := image.NewValidator(region, logger).Inspect(layout.Offset)

	fmt.Printf("Metadata:  %s\n", rep.Metadata)
	fmt.Printf("SP:        0x%08X\n", rep.SP)
	fmt.Printf("Entry:     0x%08X\n", rep.Entry)
	fmt.Printf("CRC32:     0x%08X\n", rep.Computed)
	if checkErr != nil {
		fmt.Printf("Status:    invalid (%v)\n", checkErr)
	} else if err := image.CheckVectors(rep.SP, rep.Entry); err != nil {
		fmt.Printf("Status:    checksum ok, will halt at launch (%v)\n", err)
	} else {
		fmt.Println("Status:    healthy")
	}

	if extractFlag == "" {
		return nil
	}
	if checkErr != nil {
		return fmt.Errorf("refusing to extract an invalid application: %w", checkErr)
	}

	data, err := region.Read(layout.AppOffset, rep.Metadata.Length)
	if err != nil {
		return err
	}
	out, err := os.Create(extractFlag)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := firmware.WriteHex(out, &firmware.Image{Data: data, Base: layout.AppBase, Format: firmware.FormatHex}); err != nil {
		return fmt.Errorf("failed to write %s: %w", extractFlag, err)
	}
	fmt.Printf("Extracted %d bytes to %s\n", len(data), extractFlag)
	return nil
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

	devices, err := detect.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	fmt.Printf("\nLikely targets:\n")
	for _, d := range devices {
		fmt.Printf("  %-20s %04X:%04X  %s %s\n", d.Port, d.VID, d.PID, d.Vendor, d.Product)
	}
	return nil
}
