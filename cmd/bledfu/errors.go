package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/dfu"
	"github.com/srg/bledfu/internal/uart"
)

// Command-level errors
var (
	// ErrConnectionLost is returned when the link drops while a command
	// still needs it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDeviceNotFound is returned when a scan ends without seeing the
	// requested device.
	ErrDeviceNotFound = errors.New("device not found")
)

// FormatUserError turns an error chain into a one-line message for the
// terminal. Unknown errors are printed as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	var dfuErr dfu.Error
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not available on this system: " + err.Error()
	case errors.Is(err, device.ErrTimeout):
		return "Timed out: " + err.Error()
	case errors.Is(err, ErrDeviceNotFound):
		return err.Error() + " (is it powered and advertising? try 'bledfu scan')"
	case errors.Is(err, ErrConnectionLost):
		return "Connection to the device was lost"
	case errors.Is(err, uart.ErrNotReady):
		return "Device is not ready: the UART service has not been resolved yet"
	case errors.Is(err, uart.ErrMissingCharacteristics):
		return "Device does not expose the expected UART characteristics (check 'bledfu uuids')"
	case errors.Is(err, connection.ErrBusy):
		return "Another connection is already active"
	case errors.Is(err, dfu.ErrTransferAlreadyInProgress):
		return "A firmware transfer is already in progress"
	case errors.As(err, &dfuErr):
		return formatTransferError(dfuErr)
	case errors.As(err, &nf):
		return fmt.Sprintf("Not found on device: %s %s", nf.Resource, strings.Join(nf.UUIDs, ", "))
	}
	return err.Error()
}

func formatTransferError(e dfu.Error) string {
	var what string
	switch e.Code {
	case dfu.Aborted:
		what = "Firmware transfer aborted"
	case dfu.DeviceDisconnected:
		what = "Device disconnected during the firmware transfer"
	case dfu.DownloadFailed:
		what = "Firmware download failed"
	default:
		what = "Firmware transfer failed"
	}
	if e.Message == "" {
		return what
	}
	return what + ": " + e.Message
}
