package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/btlink/handler"
	"github.com/srg/btlink/uart"
)

// uartCmd groups the UART peripheral subcommands
var uartCmd = &cobra.Command{
	Use:   "uart",
	Short: "Interact with Nordic UART peripherals",
}

var uartConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a UART peripheral by name",
	Long: `Scan for a peripheral advertising the Nordic UART service with the
given name, connect to it and discover its RX/TX characteristics.

Optionally write a payload after connecting (--write, hex-encoded unless
--ascii is set) and keep the connection open printing incoming
notifications (--monitor).

Example:
  btlink uart connect --name robot --write 68656c70 --monitor
  btlink uart connect --name robot --ascii --write "help" `,
	RunE: runUARTConnect,
}

var (
	uartName    string
	uartWrite   string
	uartASCII   bool
	uartMonitor bool
	uartTimeout time.Duration
)

func init() {
	uartConnectCmd.Flags().StringVarP(&uartName, "name", "n", "", "Advertised device name (required)")
	uartConnectCmd.Flags().StringVarP(&uartWrite, "write", "w", "", "Payload to send after connecting")
	uartConnectCmd.Flags().BoolVar(&uartASCII, "ascii", false, "Treat --write payload as ASCII instead of hex")
	uartConnectCmd.Flags().BoolVarP(&uartMonitor, "monitor", "m", false, "Keep the connection open and print notifications")
	uartConnectCmd.Flags().DurationVarP(&uartTimeout, "timeout", "t", 0, "Connect timeout (default from config)")
	_ = uartConnectCmd.MarkFlagRequired("name")

	uartCmd.AddCommand(uartConnectCmd)
}

// parsePayload decodes the --write value. Hex input tolerates spaces and
// colons so copy-pasted dumps work as-is.
func parsePayload(s string, ascii bool) ([]byte, error) {
	if ascii {
		return []byte(s), nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q (use --ascii for plain text): %w", s, err)
	}
	return data, nil
}

func runUARTConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	var payload []byte
	if uartWrite != "" {
		payload, err = parsePayload(uartWrite, uartASCII)
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
	um := uart.NewManager(h, cfg.TargetMTU, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", uartName))
	progress.Start()
	defer progress.Stop()

	disconnected := make(chan struct{})

	opts := uart.DefaultConnectOptions(uartName)
	if uartTimeout > 0 {
		opts.Timeout = uartTimeout
	} else {
		opts.Timeout = cfg.ConnectTimeout
	}
	opts.OnProgress = progress.Tick
	opts.OnDisconnect = func() { close(disconnected) }
	if uartMonitor {
		opts.OnNotify = printNotification
	}

	res, err := um.Connect(ctx, opts)
	if err != nil {
		return err
	}
	progress.Stop()

	fmt.Printf("Connected: conn=%d rx=%d tx=%d\n", res.Conn, res.RX, res.TX)

	if len(payload) > 0 {
		if err := um.Write(res.Conn, payload, res.RX, false); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		fmt.Printf("Sent %d bytes\n", len(payload))
	}

	if uartMonitor {
		fmt.Println("Monitoring notifications, press Ctrl+C to stop...")
		select {
		case <-ctx.Done():
		case <-disconnected:
			return ErrConnectionLost
		}
	}

	um.Disconnect(res.Conn)
	return nil
}

// printNotification renders an incoming notification as hex plus printable
// ASCII, one line per packet.
func printNotification(data []byte) {
	var ascii strings.Builder
	for _, b := range data {
		if b >= 0x20 && b < 0x7f {
			ascii.WriteByte(b)
		} else {
			ascii.WriteByte('.')
		}
	}
	fmt.Printf("%s  %s  |%s|\n", time.Now().Format("15:04:05.000"), hex.EncodeToString(data), ascii.String())
}
