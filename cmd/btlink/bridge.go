package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/btlink/handler"
	"github.com/srg/btlink/internal/ptyio"
	"github.com/srg/btlink/uart"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge a UART peripheral to a PTY",
	Long: `Connects to a Nordic UART peripheral by name and exposes it as a
pseudo-terminal, so applications expecting a serial port can talk to the
device. Data written to the PTY is chunked and sent to the peripheral's RX
characteristic; notifications from the TX characteristic are written back
to the PTY.

The PTY path is printed on startup, e.g.:

  btlink bridge --name robot
  Bridge ready on /dev/pts/5

Use --symlink to create a stable path for tools that need one.`,
	RunE: runBridge,
}

var (
	bridgeName    string
	bridgeTimeout time.Duration
	bridgeSymlink string
)

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeName, "name", "n", "", "Advertised device name (required)")
	bridgeCmd.Flags().DurationVarP(&bridgeTimeout, "timeout", "t", 0, "Connect timeout (default from config)")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-robot)")
	_ = bridgeCmd.MarkFlagRequired("name")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	h := handler.New(handler.NewBLEStack(logger), handler.Options{
		UARTService: cfg.UART.Service,
		UARTRX:      cfg.UART.RX,
		UARTTX:      cfg.UART.TX,
		HubService:  cfg.Hub.Service,
		HubChar:     cfg.Hub.Char,
		Logger:      logger,
	})
	um := uart.NewManager(h, cfg.TargetMTU, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("received interrupt signal, shutting down")
		cancel()
	}()

	// The PTY exists before the BLE link so notifications arriving during
	// MTU negotiation are not lost.
	port, err := ptyio.OpenPort(&ptyio.Options{
		Logger: logger,
		OnError: func(err error) {
			logger.WithError(err).Error("pty failure, shutting down bridge")
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("create pty: %w", err)
	}
	defer port.Close() //nolint:errcheck

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", bridgeName))
	progress.Start()
	defer progress.Stop()

	disconnected := make(chan struct{})

	opts := uart.DefaultConnectOptions(bridgeName)
	if bridgeTimeout > 0 {
		opts.Timeout = bridgeTimeout
	} else {
		opts.Timeout = cfg.ConnectTimeout
	}
	opts.OnProgress = progress.Tick
	opts.OnDisconnect = func() { close(disconnected) }
	opts.OnNotify = func(data []byte) {
		if _, werr := port.Write(data); werr != nil {
			logger.WithError(werr).Warn("dropping notification, pty closed")
		}
	}

	res, err := um.Connect(ctx, opts)
	if err != nil {
		return err
	}
	progress.Stop()
	defer um.Disconnect(res.Conn)

	// tty -> BLE direction
	port.SetReadCallback(func(data []byte) {
		if werr := um.Write(res.Conn, data, res.RX, false); werr != nil {
			logger.WithError(werr).Warn("uart write failed")
		}
	})

	ttyPath := port.TTYName()
	if bridgeSymlink != "" {
		// Replace a stale symlink from a previous run.
		_ = os.Remove(bridgeSymlink)
		if err := os.Symlink(ttyPath, bridgeSymlink); err != nil {
			return fmt.Errorf("create symlink %s: %w", bridgeSymlink, err)
		}
		defer os.Remove(bridgeSymlink) //nolint:errcheck
		fmt.Printf("Bridge ready on %s (%s)\n", bridgeSymlink, ttyPath)
	} else {
		fmt.Printf("Bridge ready on %s\n", ttyPath)
	}
	fmt.Println("Press Ctrl+C to stop...")

	select {
	case <-ctx.Done():
	case <-disconnected:
		return ErrConnectionLost
	}

	logger.Info("bridge shutting down")
	return nil
}
