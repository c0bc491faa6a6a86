package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
	"github.com/srg/bledfu/internal/ptyio"
)

const disconnectGrace = 5 * time.Second

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream a device's UART",
	Long: `Connect to a UART peripheral and stream its output.

Without --address the first device advertising the UART service is used,
and the connection is re-established after a link loss. Lines typed on
stdin are sent to the device.

With --pty a pseudo-terminal is created instead; attach any serial tool
to the printed device path.`,
	Example: fmt.Sprintf(`  bledfu monitor
  bledfu monitor --address %s
  bledfu monitor --pty

%s`, exampleDeviceAddress, deviceAddressNote),
	RunE: runMonitor,
}

var (
	monitorAddress string
	monitorPTY     bool
)

func init() {
	addMonitorFlags(monitorCmd)
}

func addMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&monitorAddress, "address", "a", "", "Device address")
	cmd.Flags().BoolVar(&monitorPTY, "pty", false, "Expose the UART through a pseudo-terminal")
}

// monitorSink prints lifecycle changes to status and hands UART data to
// the output drainer.
type monitorSink struct {
	connection.NopSink

	status  io.Writer
	output  *outputDrainer
	mu      sync.Mutex
	failure chan error
}

func newMonitorSink(status io.Writer, output *outputDrainer) *monitorSink {
	return &monitorSink{status: status, output: output, failure: make(chan error, 1)}
}

func (s *monitorSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statusLine(s.status, format, args...)
}

func (s *monitorSink) OnStatusChanged(_, status connection.Status) {
	if status == connection.Scanning {
		s.printf("%s", color.CyanString("Scanning..."))
	}
}

func (s *monitorSink) OnConnected(p device.PeripheralHandle) {
	s.printf("%s %s", color.GreenString("Connected to"), p)
}

func (s *monitorSink) OnDisconnected(p device.PeripheralHandle, err error) {
	if err == nil {
		s.printf("%s %s", color.YellowString("Disconnected from"), p)
		return
	}
	s.printf("%s %s: %v", color.YellowString("Disconnected from"), p, err)
	s.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}

func (s *monitorSink) OnHardwareRevision(revision string) {
	s.printf("Hardware revision: %s", revision)
}

func (s *monitorSink) OnError(err error) {
	s.printf("%s %v", color.RedString("Error:"), err)
	s.fail(err)
}

// fail keeps the first failure only.
func (s *monitorSink) fail(err error) {
	select {
	case s.failure <- err:
	default:
	}
}

func (s *monitorSink) OnData(data []byte) {
	s.output.Push(data)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	st, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	address := strings.TrimSpace(monitorAddress)
	auto := address == ""

	cmd.SilenceUsage = true

	mgr, err := st.manager(auto, auto)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	statusOut := cmd.ErrOrStderr()
	var out io.Writer = cmd.OutOrStdout()
	if monitorPTY {
		p, err := ptyio.New(ptyio.Options{
			Logger: st.logger,
			OnInput: func(data []byte) {
				if err := mgr.Send(data); err != nil {
					st.logger.WithError(err).Warn("PTY input dropped")
				}
			},
			OnError: func(err error) {
				st.logger.WithError(err).Error("PTY stopped")
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create PTY: %w", err)
		}
		defer p.Close()
		out = p
		statusLine(statusOut, "PTY: %s", p.TTYName())
	}

	drainer := newOutputDrainer(out, st.logger)
	defer drainer.Stop()

	sink := newMonitorSink(statusOut, drainer)
	mgr.SetSink(sink)
	defer mgr.ClearSink()

	mgr.Start()
	if !auto {
		if err := mgr.Connect(device.PeripheralHandle{ID: address}); err != nil {
			return err
		}
	}

	if !monitorPTY {
		forwardInput(ctx, cmd.InOrStdin(), mgr, st.logger)
	}

	runErr := waitMonitor(ctx, sink.failure, auto)
	disconnect(mgr, st.logger)
	return runErr
}

// waitMonitor blocks until Ctrl+C. Without auto-connect the first failure
// also ends the session; with it the manager recovers by rescanning.
func waitMonitor(ctx context.Context, failure <-chan error, auto bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failure:
			if !auto {
				return err
			}
		}
	}
}

// forwardInput sends every stdin line to the device. The reader goroutine
// ends with stdin; it cannot be interrupted while blocked in Read.
func forwardInput(ctx context.Context, in io.Reader, mgr *connection.Manager, logger *logrus.Logger) {
	groutine.Go(ctx, "monitor-stdin", func(ctx context.Context) {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := append(append([]byte(nil), sc.Bytes()...), '\n')
			if err := mgr.Send(line); err != nil {
				logger.WithError(err).Warn("Input line dropped")
			}
		}
	})
}

// disconnect tears the link down and waits for it, bounded by disconnectGrace.
// It reports whether the disconnect completed in time.
func disconnect(mgr *connection.Manager, logger *logrus.Logger) bool {
	done := make(chan struct{})
	mgr.DisconnectWithCompletion(func() { close(done) })
	select {
	case <-done:
		return true
	case <-time.After(disconnectGrace):
		logger.Warn("Timed out waiting for disconnect")
		return false
	}
}
