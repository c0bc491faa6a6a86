package connection

import "errors"

// Status is the manager state observed by sinks.
type Status int

const (
	Disconnected Status = iota
	Scanning
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrPolicyConflict is returned by Connect while a choose-first scan is running.
	ErrPolicyConflict = errors.New("manual connect conflicts with choose-first scan")
	// ErrBusy is returned when a scan is requested while a link is active.
	ErrBusy = errors.New("connection manager busy")
	// ErrInvalidHandle is returned for a peripheral handle without an address.
	ErrInvalidHandle = errors.New("invalid peripheral handle")
)
