package uart

import (
	"fmt"

	"github.com/srg/bledfu/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Default UART profile identifiers, normalized.
const (
	ServiceUUID          = "fe59"
	WriteCharUUID        = "6e400002521d4cc79e02998f7c95e710"
	NotifyCharUUID       = "6e400003521d4cc79e02998f7c95e710"
	DeviceInfoUUID       = "180a"
	HardwareRevisionUUID = "2a27"
)

// Profile names the service and characteristics a Transport binds to.
// Write carries host-to-peripheral data, Notify carries peripheral-to-host data.
type Profile struct {
	Service          string `yaml:"service"`
	Write            string `yaml:"write"`
	Notify           string `yaml:"notify"`
	DeviceInfo       string `yaml:"device_info"`
	HardwareRevision string `yaml:"hardware_revision"`
}

// DefaultProfile returns the UART profile used by the DFU-capable boards.
func DefaultProfile() Profile {
	return Profile{
		Service:          ServiceUUID,
		Write:            WriteCharUUID,
		Notify:           NotifyCharUUID,
		DeviceInfo:       DeviceInfoUUID,
		HardwareRevision: HardwareRevisionUUID,
	}
}

// NordicUARTProfile returns the stock Nordic UART Service layout.
func NordicUARTProfile() Profile {
	return Profile{
		Service:          "6e400001b5a3f393e0a9e50e24dcca9e",
		Write:            "6e400002b5a3f393e0a9e50e24dcca9e",
		Notify:           "6e400003b5a3f393e0a9e50e24dcca9e",
		DeviceInfo:       DeviceInfoUUID,
		HardwareRevision: HardwareRevisionUUID,
	}
}

// Normalize returns a copy with every UUID in internal form.
func (p Profile) Normalize() Profile {
	return Profile{
		Service:          device.NormalizeUUID(p.Service),
		Write:            device.NormalizeUUID(p.Write),
		Notify:           device.NormalizeUUID(p.Notify),
		DeviceInfo:       device.NormalizeUUID(p.DeviceInfo),
		HardwareRevision: device.NormalizeUUID(p.HardwareRevision),
	}
}

// Validate checks that all identifiers are well-formed and that the
// write and notify characteristics are distinct.
func (p Profile) Validate() error {
	entries := p.Entries()
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		if _, err := device.ValidateUUID(pair.Value); err != nil {
			return fmt.Errorf("profile %s: %w", pair.Key, err)
		}
	}
	if device.EqualUUID(p.Write, p.Notify) {
		return fmt.Errorf("profile write and notify characteristics must differ (%s)", p.Write)
	}
	if device.EqualUUID(p.Service, p.DeviceInfo) {
		return fmt.Errorf("profile service and device_info must differ (%s)", p.Service)
	}
	return nil
}

// Services returns the service UUIDs discovered on attach.
func (p Profile) Services() []string {
	return []string{p.Service, p.DeviceInfo}
}

// Entries lists the profile roles in a stable display order.
func (p Profile) Entries() *orderedmap.OrderedMap[string, string] {
	m := orderedmap.New[string, string]()
	m.Set("service", p.Service)
	m.Set("write", p.Write)
	m.Set("notify", p.Notify)
	m.Set("device_info", p.DeviceInfo)
	m.Set("hardware_revision", p.HardwareRevision)
	return m
}
