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
	"github.com/srg/btlink/hub"
)

// hubCmd groups the smart hub subcommands
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Interact with LEGO-compatible smart hubs",
}

var hubConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the first advertising hub",
	Long: `Scan for any device advertising the hub service and connect to the
first one found. Hubs only advertise for a short window after power-on,
so press the hub's button right before running this command.

Optionally send a payload after connecting (--write, hex-encoded) and keep
the connection open printing incoming messages (--monitor).`,
	RunE: runHubConnect,
}

var (
	hubWrite   string
	hubMonitor bool
	hubTimeout time.Duration
)

func init() {
	hubConnectCmd.Flags().StringVarP(&hubWrite, "write", "w", "", "Hex payload to send after connecting")
	hubConnectCmd.Flags().BoolVarP(&hubMonitor, "monitor", "m", false, "Keep the connection open and print hub messages")
	hubConnectCmd.Flags().DurationVarP(&hubTimeout, "timeout", "t", 0, "Connect timeout (default from config)")

	hubCmd.AddCommand(hubConnectCmd)
}

func runHubConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	var payload []byte
	if hubWrite != "" {
		payload, err = parsePayload(hubWrite, false)
		if err != nil {
			return err
		}
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
	hm := hub.NewManager(h, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	progress := NewProgressPrinter("Searching for a hub")
	progress.Start()
	defer progress.Stop()

	disconnected := make(chan struct{})

	opts := &hub.ConnectOptions{
		OnProgress:   progress.Tick,
		OnDisconnect: func() { close(disconnected) },
	}
	if hubTimeout > 0 {
		opts.Timeout = hubTimeout
	} else {
		opts.Timeout = cfg.ConnectTimeout
	}
	if hubMonitor {
		opts.OnNotify = printNotification
	}

	res, err := hm.Connect(ctx, opts)
	if err != nil {
		return err
	}
	progress.Stop()

	name := res.Name
	if name == "" {
		name = "(unnamed hub)"
	}
	fmt.Printf("Connected to %s: conn=%d char=%d\n", name, res.Conn, res.Value)

	if len(payload) > 0 {
		if err := hm.Write(res.Conn, payload, false); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		fmt.Printf("Sent %d bytes\n", len(payload))
	}

	if hubMonitor {
		fmt.Println("Monitoring hub messages, press Ctrl+C to stop...")
		select {
		case <-ctx.Done():
		case <-disconnected:
			return ErrConnectionLost
		}
	}

	hm.Disconnect(res.Conn)
	return nil
}
