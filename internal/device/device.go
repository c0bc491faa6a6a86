package device

import (
	"fmt"
	"sort"
)

// PowerState reports the radio availability as seen by a Central.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PoweredOn
	PoweredOff
	Unsupported
)

func (s PowerState) String() string {
	switch s {
	case PoweredOn:
		return "powered_on"
	case PoweredOff:
		return "powered_off"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// PeripheralHandle identifies a physical device. ID is the platform address
// (MAC on Linux, CoreBluetooth UUID on macOS).
type PeripheralHandle struct {
	ID   string
	Name string
}

func (h PeripheralHandle) String() string {
	if h.Name == "" {
		return h.ID
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.ID)
}

// IsZero reports whether the handle carries no address.
func (h PeripheralHandle) IsZero() bool {
	return h.ID == ""
}

// DiscoveredPeripheral is produced for every scan report and is not persisted.
type DiscoveredPeripheral struct {
	Handle   PeripheralHandle
	RSSI     float64
	Services []string // normalized advertised service UUIDs
}

// SortBySignal orders peripherals strongest first. Ties keep discovery order.
func SortBySignal(peripherals []DiscoveredPeripheral) {
	sort.SliceStable(peripherals, func(i, j int) bool {
		return peripherals[i].RSSI > peripherals[j].RSSI
	})
}

// Advertises reports whether the peripheral advertised any of the given services.
// An empty filter matches everything.
func (p DiscoveredPeripheral) Advertises(services []string) bool {
	if len(services) == 0 {
		return true
	}
	for _, want := range services {
		for _, have := range p.Services {
			if EqualUUID(want, have) {
				return true
			}
		}
	}
	return false
}

// Central is the scanning/connecting side of a BLE adapter.
//
// Every method is fire-and-forget: results are delivered to the registered
// CentralDelegate, possibly on another goroutine and possibly after the
// caller has lost interest in them.
type Central interface {
	SetDelegate(d CentralDelegate)
	Start()
	Scan(services []string)
	StopScan()
	RetrieveConnected(services []string) []PeripheralHandle
	Connect(p PeripheralHandle)
	CancelConnection(p PeripheralHandle)
}

// CentralDelegate receives Central callbacks.
type CentralDelegate interface {
	PowerStateChanged(state PowerState)
	PeripheralDiscovered(p DiscoveredPeripheral)
	PeripheralConnected(p PeripheralHandle, link Link)
	PeripheralConnectFailed(p PeripheralHandle, err error)
	PeripheralDisconnected(p PeripheralHandle, err error)
}

// Link is an established GATT client link to one peripheral.
type Link interface {
	SetDelegate(d LinkDelegate)
	DiscoverServices(filter []string)
	DiscoverCharacteristics(service string, filter []string)
	SetNotify(c CharacteristicDescriptor, enabled bool)
	WriteValue(c CharacteristicDescriptor, value []byte, withResponse bool)
	ReadValue(c CharacteristicDescriptor)
}

// LinkDelegate receives Link callbacks. ValueUpdated carries both
// notifications and read results.
type LinkDelegate interface {
	ServicesDiscovered(services []ServiceDescriptor, err error)
	CharacteristicsDiscovered(service ServiceDescriptor, chars []CharacteristicDescriptor, err error)
	ValueUpdated(c CharacteristicDescriptor, value []byte, err error)
	NotifyStateChanged(c CharacteristicDescriptor, enabled bool, err error)
	ValueWritten(c CharacteristicDescriptor, err error)
}
