package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/bledfu/internal/device"
)

// toProperties converts ble.Property bit flags. Flags the device package
// does not model (broadcast, signed writes, extended) are dropped.
func toProperties(p ble.Property) device.Properties {
	var props device.Properties
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}

func uuidString(u ble.UUID) string {
	return device.NormalizeUUID(u.String())
}

// toUUIDs parses a filter. Entries go-ble cannot parse are skipped; an empty
// result means "no filter".
func toUUIDs(uuids []string) []ble.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(device.NormalizeUUID(s))
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// toDiscovered converts an advertisement into a scan report.
func toDiscovered(adv ble.Advertisement) device.DiscoveredPeripheral {
	services := adv.Services()
	uuids := make([]string, 0, len(services))
	for _, s := range services {
		uuids = append(uuids, uuidString(s))
	}
	var id string
	if addr := adv.Addr(); addr != nil {
		id = addr.String()
	}
	return device.DiscoveredPeripheral{
		Handle:   device.PeripheralHandle{ID: id, Name: adv.LocalName()},
		RSSI:     float64(adv.RSSI()),
		Services: uuids,
	}
}
