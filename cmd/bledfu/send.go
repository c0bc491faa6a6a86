package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
)

var sendCmd = &cobra.Command{
	Use:   "send <payload>",
	Short: "Send a payload over the UART",
	Long: `Connect to a device, write one payload to its UART write
characteristic and disconnect.

The payload is sent as text unless --hex is given, in which case it is
decoded from hex. Spaces, colons and dashes between hex bytes are ignored.`,
	Example: fmt.Sprintf(`  bledfu send --address %s "reset"
  bledfu send --address %s --hex "01 02 ff"

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var (
	sendAddress string
	sendHex     bool
)

func init() {
	addSendFlags(sendCmd)
}

func addSendFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&sendAddress, "address", "a", "", "Device address")
	cmd.Flags().BoolVar(&sendHex, "hex", false, "Treat the payload as hex encoded bytes")
	_ = cmd.MarkFlagRequired("address")
}

// decodePayload returns the bytes to send for arg.
func decodePayload(arg string, isHex bool) ([]byte, error) {
	if !isHex {
		if arg == "" {
			return nil, errors.New("payload is empty")
		}
		return []byte(arg), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(arg)
	if cleaned == "" {
		return nil, errors.New("payload is empty")
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return data, nil
}

// readySink reports the first Connected or failure of a manual connect.
type readySink struct {
	connection.NopSink
	ready   chan struct{}
	failure chan error
}

func newReadySink() *readySink {
	return &readySink{ready: make(chan struct{}, 1), failure: make(chan error, 1)}
}

func (s *readySink) OnConnected(device.PeripheralHandle) {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *readySink) OnError(err error) {
	s.fail(err)
}

func (s *readySink) OnDisconnected(_ device.PeripheralHandle, err error) {
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
}

func (s *readySink) fail(err error) {
	select {
	case s.failure <- err:
	default:
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	st, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	address := strings.TrimSpace(sendAddress)
	if address == "" {
		return errors.New("--address must not be empty")
	}
	payload, err := decodePayload(args[0], sendHex)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	mgr, err := st.manager(false, false)
	if err != nil {
		return err
	}
	sink := newReadySink()
	mgr.SetSink(sink)
	defer mgr.ClearSink()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start()
	if err := mgr.Connect(device.PeripheralHandle{ID: address}); err != nil {
		return err
	}
	linked := true
	defer func() {
		if linked {
			disconnect(mgr, st.logger)
		}
	}()

	timeout := time.NewTimer(st.cfg.ConnectTimeout)
	defer timeout.Stop()
	select {
	case <-sink.ready:
	case err := <-sink.failure:
		return err
	case <-timeout.C:
		return fmt.Errorf("%w: %s not ready after %s", device.ErrTimeout, address, st.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := mgr.Send(payload); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	st.logger.WithField("bytes", len(payload)).Info("Payload sent")

	// Queued writes reach the device before the link closes, so a completed
	// disconnect means the payload was delivered.
	linked = false
	if !disconnect(mgr, st.logger) {
		return fmt.Errorf("%w: %s did not close after the write", device.ErrTimeout, address)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d bytes to %s\n", len(payload), address)
	return nil
}
