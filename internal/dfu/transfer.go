package dfu

import (
	"context"

	"github.com/srg/bledfu/internal/device"
)

// TransferRequest is what a TransferService needs to update one peripheral.
type TransferRequest struct {
	Peripheral   device.PeripheralHandle
	FirmwarePath string
}

// TransferListener receives reports for one transfer. OnCompleted and
// OnError are terminal.
type TransferListener interface {
	OnProgress(p Progress)
	OnStateChanged(state string)
	OnCompleted()
	OnError(code ErrorCode, message string)
}

// TransferController controls a running transfer.
type TransferController interface {
	Abort() error
}

// TransferService performs the firmware transfer itself. Start returns once
// the transfer is initiated; the outcome arrives on the listener.
type TransferService interface {
	Start(ctx context.Context, req TransferRequest, listener TransferListener) (TransferController, error)
}

// Fetcher makes a firmware package available as a local file.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (string, error)
}
