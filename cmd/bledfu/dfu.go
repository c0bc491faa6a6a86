package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/dfu"
	"golang.org/x/term"
)

const (
	dfuEventBuffer = 256
	abortGrace     = 10 * time.Second
)

var dfuCmd = &cobra.Command{
	Use:   "dfu",
	Short: "Update a device's firmware",
	Long: `Scan for a device, download the firmware package and run the
configured transfer tool against it.

--url accepts an http(s) URL, a file:// URL or a local path. Remote
packages are cached in dfu.cache_dir. The transfer tool is configured with
dfu.command; {package}, {address} and {name} are substituted.

Press Ctrl+C to abort a running transfer.`,
	Example: fmt.Sprintf(`  bledfu dfu --device %s --url https://example.com/app_dfu.zip
  bledfu dfu --device MyBoard --url ./app_dfu.zip

%s`, exampleDeviceAddress, deviceAddressNote),
	RunE: runDFU,
}

var (
	dfuDevice      string
	dfuURL         string
	dfuScanTimeout time.Duration
)

func init() {
	addDFUFlags(dfuCmd)
}

func addDFUFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&dfuDevice, "device", "d", "", "Device address or advertised name")
	cmd.Flags().StringVarP(&dfuURL, "url", "u", "", "Firmware package URL or path")
	cmd.Flags().DurationVar(&dfuScanTimeout, "scan-timeout", 0, "How long to look for the device (default from config scan_timeout)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("url")
}

// matchesDevice compares want against the address, then the advertised name.
func matchesDevice(p device.DiscoveredPeripheral, want string) bool {
	return strings.EqualFold(p.Handle.ID, want) || (p.Handle.Name != "" && p.Handle.Name == want)
}

func isTerminalEvent(ev dfu.Event) bool {
	switch ev.(type) {
	case dfu.Completed, dfu.Error:
		return true
	}
	return false
}

// eventQueue adapts session events to a channel. Progress is dropped when
// the reader falls behind; outcomes never are.
func eventQueue(logger *logrus.Logger) (dfu.SinkFunc, <-chan dfu.Event) {
	events := make(chan dfu.Event, dfuEventBuffer)
	return func(ev dfu.Event) {
		if isTerminalEvent(ev) {
			events <- ev
			return
		}
		select {
		case events <- ev:
		default:
			logger.WithField("event", ev.String()).Debug("DFU event dropped")
		}
	}, events
}

func isInteractive(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runDFU(cmd *cobra.Command, _ []string) error {
	st, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	want := strings.TrimSpace(dfuDevice)
	if want == "" {
		return errors.New("--device must not be empty")
	}
	source := strings.TrimSpace(dfuURL)
	if source == "" {
		return errors.New("--url must not be empty")
	}
	scanTimeout := dfuScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = st.cfg.ScanTimeout
	}

	cmd.SilenceUsage = true

	service, err := dfu.NewExecTransferService(st.cfg.DFU.Command, st.logger)
	if err != nil {
		return err
	}
	fetcher := &dfu.HTTPFetcher{
		CacheDir: st.cfg.DFU.CacheDir,
		Client:   &http.Client{Timeout: st.cfg.DFU.DownloadTimeout},
		Logger:   st.logger,
	}

	mgr, err := st.manager(false, false)
	if err != nil {
		return err
	}
	session := dfu.NewSession(mgr, service, fetcher, st.logger)
	sink, events := eventQueue(st.logger)
	session.SetSink(sink)
	defer session.ClearSink()
	defer disconnect(mgr, st.logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	renderer := NewTransferRenderer(out, isInteractive(out))

	mgr.Start()
	env := session.Scan()
	st.logger.WithField("environment", env).Debug("DFU session started")

	target, err := awaitDevice(ctx, events, want, scanTimeout)
	if err != nil {
		return err
	}
	mgr.StopScan()
	renderer.Render(dfu.DeviceDiscovered{Peripheral: target})

	if err := session.StartTransfer(ctx, target.Handle.ID, source); err != nil {
		return err
	}
	return followTransfer(ctx, session, events, renderer, st.logger)
}

// awaitDevice waits for a discovery matching want.
func awaitDevice(ctx context.Context, events <-chan dfu.Event, want string, timeout time.Duration) (device.DiscoveredPeripheral, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if d, ok := ev.(dfu.DeviceDiscovered); ok && matchesDevice(d.Peripheral, want) {
				return d.Peripheral, nil
			}
		case <-timer.C:
			return device.DiscoveredPeripheral{}, fmt.Errorf("%w: %s (scanned %s)", ErrDeviceNotFound, want, timeout)
		case <-ctx.Done():
			return device.DiscoveredPeripheral{}, ctx.Err()
		}
	}
}

// followTransfer renders events until the transfer finishes. Cancelling
// ctx aborts the transfer and waits for the tool to confirm.
func followTransfer(ctx context.Context, session *dfu.Session, events <-chan dfu.Event, r *TransferRenderer, logger *logrus.Logger) error {
	done := ctx.Done()
	var abortTimeout <-chan time.Time
	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case dfu.Completed:
				r.Render(e)
				return nil
			case dfu.Error:
				r.endLine()
				if e.Code == dfu.Aborted && ctx.Err() != nil {
					return ctx.Err()
				}
				return e
			default:
				r.Render(e)
			}
		case <-done:
			done = nil
			r.endLine()
			logger.Info("Aborting firmware transfer")
			if err := session.Abort(); err != nil {
				if errors.Is(err, dfu.ErrNoActiveTransfer) {
					return ctx.Err()
				}
				logger.WithError(err).Warn("Abort failed")
			}
			abortTimeout = time.After(abortGrace)
		case <-abortTimeout:
			return fmt.Errorf("%w: transfer did not stop within %s", device.ErrTimeout, abortGrace)
		}
	}
}
