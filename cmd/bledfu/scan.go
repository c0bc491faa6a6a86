package main

import (
	"context"
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
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
	"github.com/srg/bledfu/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed strongest signal first. Use --sort discovery to keep
the order in which they were first heard, and --service to show only
devices advertising a given service (for example the UART profile
service, see 'bledfu uuids').`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanSort      string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	addScanFlags(scanCmd)
}

func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config scan_timeout)")
	cmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json; default from config output_format)")
	cmd.Flags().StringVar(&scanSort, "sort", "rssi", "Sort order (rssi, discovery)")
	cmd.Flags().StringSliceVarP(&scanServices, "service", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	st, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	format := scanFormat
	if format == "" {
		format = st.cfg.OutputFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	if scanSort != "rssi" && scanSort != "discovery" {
		return fmt.Errorf("invalid sort '%s': must be one of [rssi discovery]", scanSort)
	}

	var services []string
	if len(scanServices) > 0 {
		if services, err = device.ValidateUUID(scanServices...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	duration := scanDuration
	if duration <= 0 {
		duration = st.cfg.ScanTimeout
	}

	// All arguments validated; don't show usage on runtime errors
	cmd.SilenceUsage = true

	central, err := st.central()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &scanner.ScanOptions{
		Duration:     duration,
		ServiceUUIDs: services,
		AllowList:    scanAllowList,
		BlockList:    scanBlockList,
	}
	devices, err := collectDevices(ctx, scanner.New(central, st.logger), opts, cmd.ErrOrStderr(), st.logger)
	if err != nil {
		return err
	}

	list := deviceList(devices, scanSort == "discovery")
	out := cmd.OutOrStdout()
	if format == "json" {
		return displayDevicesJSON(out, list)
	}
	return displayDevicesTable(out, list)
}

// collectDevices runs one scan and records the discovery order from the
// scanner's event stream alongside the merged result.
func collectDevices(ctx context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, progressOut io.Writer, logger *logrus.Logger) (*orderedmap.OrderedMap[string, scanner.DeviceInfo], error) {
	seen := orderedmap.New[string, scanner.DeviceInfo]()
	eventsCtx, stopEvents := context.WithCancel(ctx)
	eventsDone := groutine.GoDone(eventsCtx, "scan-events", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.Events():
				if ev.Type == scanner.EventNew {
					seen.Set(strings.ToLower(ev.DeviceInfo.ID), ev.DeviceInfo)
				}
			}
		}
	})

	progress := NewProgressPrinter(progressOut, "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	result, err := s.Scan(ctx, opts, progress.Callback())
	progress.Stop()

	stopEvents()
	<-eventsDone
	// Events still queued belong to this scan.
	for drained := false; !drained; {
		select {
		case ev := <-s.Events():
			if ev.Type == scanner.EventNew {
				seen.Set(strings.ToLower(ev.DeviceInfo.ID), ev.DeviceInfo)
			}
		default:
			drained = true
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return nil, err
	}

	// Merge the final view of every device, keeping first-heard order. Devices
	// whose first event was dropped are appended in result order.
	merged := orderedmap.New[string, scanner.DeviceInfo]()
	byKey := make(map[string]scanner.DeviceInfo, len(result))
	for _, d := range result {
		byKey[strings.ToLower(d.ID)] = d
	}
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		if d, ok := byKey[pair.Key]; ok {
			merged.Set(pair.Key, d)
		}
	}
	for _, d := range result {
		key := strings.ToLower(d.ID)
		if _, ok := merged.Get(key); !ok {
			merged.Set(key, d)
		}
	}
	return merged, nil
}

// deviceList flattens the map, strongest signal first unless keepOrder.
func deviceList(m *orderedmap.OrderedMap[string, scanner.DeviceInfo], keepOrder bool) []scanner.DeviceInfo {
	list := make([]scanner.DeviceInfo, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	if !keepOrder {
		sort.SliceStable(list, func(i, j int) bool { return list[i].RSSI > list[j].RSSI })
	}
	return list
}

func displayDevicesTable(w io.Writer, devices []scanner.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tSERVICES\tSEEN\tRSSI")
	fmt.Fprintln(tw, "----\t-------\t--------\t----\t----")

	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(dev.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		// RSSI goes last: color escapes would upset the column widths.
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx\t%s\n", name, dev.ID, services, dev.Seen, rssiColor(dev.RSSI))
	}
	return tw.Flush()
}

// rssiColor renders the signal strength; strong is green, weak is red.
func rssiColor(rssi float64) string {
	s := fmt.Sprintf("%.0f dBm", rssi)
	switch {
	case rssi >= -60:
		return color.GreenString(s)
	case rssi >= -80:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func displayDevicesJSON(w io.Writer, devices []scanner.DeviceInfo) error {
	if devices == nil {
		devices = []scanner.DeviceInfo{}
	}
	return writeJSON(w, devices)
}
