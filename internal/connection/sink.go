package connection

import "github.com/srg/bledfu/internal/device"

// EventSink observes a Manager. Only one sink is registered at a time;
// registering another silently replaces it. Callbacks are delivered in order
// and never while the manager lock is held, so a sink may call back into
// the manager.
type EventSink interface {
	OnStatusChanged(old, new Status)
	OnDiscovered(p device.DiscoveredPeripheral)
	OnConnected(p device.PeripheralHandle)
	OnDisconnected(p device.PeripheralHandle, err error)
	OnData(data []byte)
	OnHardwareRevision(revision string)
	OnError(err error)
}

// NopSink ignores every event. Embed it to implement only the callbacks you need.
type NopSink struct{}

func (NopSink) OnStatusChanged(Status, Status)                {}
func (NopSink) OnDiscovered(device.DiscoveredPeripheral)      {}
func (NopSink) OnConnected(device.PeripheralHandle)           {}
func (NopSink) OnDisconnected(device.PeripheralHandle, error) {}
func (NopSink) OnData([]byte)                                 {}
func (NopSink) OnHardwareRevision(string)                     {}
func (NopSink) OnError(error)                                 {}

var _ EventSink = NopSink{}
