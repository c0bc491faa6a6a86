package dfu

import (
	"fmt"
	"strconv"

	"github.com/srg/bledfu/internal/device"
)

// Event is one item of the session's outbound stream. The concrete types
// are Progress, Error, Completed, StateChanged and DeviceDiscovered.
type Event interface {
	fmt.Stringer
	isEvent()
}

// Sink receives session events. Only one sink is registered at a time.
type Sink interface {
	OnEvent(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) OnEvent(ev Event) { f(ev) }

// Progress is reported by the transfer service while a firmware image is
// being written. Speeds are bytes per second.
type Progress struct {
	Part       int
	TotalParts int
	Percent    int
	Speed      float64
	AvgSpeed   float64
}

// String renders the line format host applications already parse.
func (p Progress) String() string {
	return fmt.Sprintf("part: %d, outOf: %d, to: %d, speed: %s",
		p.Part, p.TotalParts, p.Percent, strconv.FormatFloat(p.Speed, 'f', -1, 64))
}

// ErrorCode classifies a terminal transfer failure.
type ErrorCode int

const (
	Aborted ErrorCode = iota
	DeviceError
	DeviceDisconnected
	DownloadFailed
)

func (c ErrorCode) String() string {
	switch c {
	case Aborted:
		return "aborted"
	case DeviceError:
		return "deviceError"
	case DeviceDisconnected:
		return "deviceDisconnected"
	case DownloadFailed:
		return "downloadFailed"
	default:
		return "unknown"
	}
}

// WireCode returns the two letter code used on the host event channel.
func (c ErrorCode) WireCode() string {
	switch c {
	case Aborted:
		return "DA"
	case DeviceError:
		return "DE"
	case DeviceDisconnected:
		return "DD"
	case DownloadFailed:
		return "DF"
	default:
		return "D?"
	}
}

// Error is a terminal transfer failure. It frees the transfer slot.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e Error) String() string {
	return fmt.Sprintf("error %s (%s): %s", e.Code, e.Code.WireCode(), e.Message)
}

func (e Error) Error() string {
	return e.String()
}

// Completed is the terminal success event.
type Completed struct{}

func (Completed) String() string { return "completed" }

// StateChanged carries a transfer service state name, verbatim.
type StateChanged struct {
	State string
}

func (s StateChanged) String() string { return "state: " + s.State }

// DeviceDiscovered is emitted for every scan report while the session scans.
type DeviceDiscovered struct {
	Peripheral device.DiscoveredPeripheral
}

func (d DeviceDiscovered) String() string {
	return fmt.Sprintf("discovered: %s rssi: %.0f", d.Peripheral.Handle, d.Peripheral.RSSI)
}

func (Progress) isEvent()         {}
func (Error) isEvent()            {}
func (Completed) isEvent()        {}
func (StateChanged) isEvent()     {}
func (DeviceDiscovered) isEvent() {}

// isTerminal reports whether ev ends a transfer.
func isTerminal(ev Event) bool {
	switch ev.(type) {
	case Error, Completed:
		return true
	default:
		return false
	}
}
