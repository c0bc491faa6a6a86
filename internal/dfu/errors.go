package dfu

import "errors"

// Errors returned synchronously by Session. Transfer failures after a
// transfer was initiated are reported as Error events instead.
var (
	ErrInvalidDeviceID           = errors.New("invalid device id")
	ErrNoDeviceSelected          = errors.New("no device selected")
	ErrTransferAlreadyInProgress = errors.New("transfer already in progress")
	ErrNoActiveTransfer          = errors.New("no active transfer")
	ErrDownloadFailed            = errors.New("download failed")
	ErrTransferAborted           = errors.New("transfer aborted")
)
