package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/handler"
	"github.com/srg/btlink/internal/bleuuid"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their names, addresses, RSSI values and
advertised services. Use --services to only show devices advertising a
given service, e.g. the Nordic UART service or the LEGO hub service.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
	scanStream   bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 0 for config value)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().BoolVar(&scanStream, "stream", false, "Print devices as they are discovered")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// Validate and normalize service UUIDs if provided
	var serviceFilter []string
	if len(scanServices) > 0 {
		serviceFilter, err = bleuuid.Validate(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if duration <= 0 {
		duration = cfg.ScanDuration
	}

	h := handler.New(handler.NewBLEStack(logger), handler.Options{
		UARTService: cfg.UART.Service,
		UARTRX:      cfg.UART.RX,
		UARTTX:      cfg.UART.TX,
		HubService:  cfg.Hub.Service,
		HubChar:     cfg.Hub.Char,
		Logger:      logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	if err := h.StartScan(ctx); err != nil {
		return fmt.Errorf("failed to start scanning: %w", err)
	}
	defer h.StopScan()

	if scanStream {
		streamDevices(ctx, h, serviceFilter)
	} else {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	devices := filterDevices(h.SeenDevices(), serviceFilter)
	if scanFormat == "json" {
		return displayDevicesJSON(os.Stdout, devices)
	}
	return displayDevicesTable(os.Stdout, devices)
}

// streamDevices prints each newly seen device until the context expires.
func streamDevices(ctx context.Context, h *handler.Handler, serviceFilter []string) {
	for {
		select {
		case <-ctx.Done():
			return
		case adv := <-h.ScanEvents():
			if !matchesFilter(adv, serviceFilter) {
				continue
			}
			name := adv.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %s  %d dBm\n", adv.AddrString(), name, adv.RSSI)
		}
	}
}

func matchesFilter(adv btlink.Advertisement, serviceFilter []string) bool {
	if len(serviceFilter) == 0 {
		return true
	}
	for _, want := range serviceFilter {
		for _, have := range adv.Services {
			if bleuuid.Equal(want, have) {
				return true
			}
		}
	}
	return false
}

func filterDevices(devices []btlink.Advertisement, serviceFilter []string) []btlink.Advertisement {
	if len(serviceFilter) == 0 {
		return devices
	}
	out := devices[:0]
	for _, adv := range devices {
		if matchesFilter(adv, serviceFilter) {
			out = append(out, adv)
		}
	}
	return out
}

func displayDevicesTable(out io.Writer, devices []btlink.Advertisement) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	// Sort by name, unnamed last
	sort.SliceStable(devices, func(i, j int) bool {
		if (devices[i].Name == "") != (devices[j].Name == "") {
			return devices[i].Name != ""
		}
		return devices[i].Name < devices[j].Name
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	header := "NAME\tADDRESS\tRSSI\tSERVICES"
	if term.IsTerminal(int(os.Stdout.Fd())) {
		header = color.New(color.Bold).Sprint(header)
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", 70))

	for _, adv := range devices {
		name := adv.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := make([]string, 0, len(adv.Services))
		for _, s := range adv.Services {
			services = append(services, bleuuid.Shorten(s))
		}
		svcCol := strings.Join(services, ",")
		if len(svcCol) > 30 {
			svcCol = svcCol[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, adv.AddrString(), adv.RSSI, svcCol)
	}

	return w.Flush()
}

type deviceJSON struct {
	Name     string   `json:"name,omitempty"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
}

func displayDevicesJSON(out io.Writer, devices []btlink.Advertisement) error {
	rows := make([]deviceJSON, 0, len(devices))
	for _, adv := range devices {
		rows = append(rows, deviceJSON{
			Name:     adv.Name,
			Address:  adv.AddrString(),
			RSSI:     adv.RSSI,
			Services: adv.Services,
		})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rows)
}
