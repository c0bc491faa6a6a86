package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/dfu"
	"github.com/srg/bledfu/internal/uart"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"bluetooth off", fmt.Errorf("scan: %w", device.ErrBluetoothOff), "Bluetooth is turned off"},
		{"device not found", fmt.Errorf("%w: Board", ErrDeviceNotFound), "device not found: Board (is it powered and advertising? try 'bledfu scan')"},
		{"connection lost", fmt.Errorf("%w: timeout", ErrConnectionLost), "Connection to the device was lost"},
		{"not ready", fmt.Errorf("send failed: %w", uart.ErrNotReady), "Device is not ready: the UART service has not been resolved yet"},
		{"busy", connection.ErrBusy, "Another connection is already active"},
		{"transfer in progress", dfu.ErrTransferAlreadyInProgress, "A firmware transfer is already in progress"},
		{"transfer aborted", dfu.Error{Code: dfu.Aborted}, "Firmware transfer aborted"},
		{"transfer device error", dfu.Error{Code: dfu.DeviceError, Message: "exit status 3"}, "Firmware transfer failed: exit status 3"},
		{"transfer disconnected", dfu.Error{Code: dfu.DeviceDisconnected, Message: "link lost"}, "Device disconnected during the firmware transfer: link lost"},
		{"not found on device", &device.NotFoundError{Resource: "service", UUIDs: []string{"fe59"}}, "Not found on device: service fe59"},
		{"unknown", errors.New("something odd"), "something odd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
