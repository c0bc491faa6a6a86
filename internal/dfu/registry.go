package dfu

import (
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/srg/bledfu/internal/device"
)

// Registry holds the peripherals discovered since the session started.
// The latest report for an ID replaces the previous one.
type Registry struct {
	peripherals *hashmap.Map[string, device.DiscoveredPeripheral]
}

func NewRegistry() *Registry {
	return &Registry{peripherals: hashmap.New[string, device.DiscoveredPeripheral]()}
}

func registryKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Put records p. Reports without an address are ignored.
func (r *Registry) Put(p device.DiscoveredPeripheral) {
	if p.Handle.IsZero() {
		return
	}
	r.peripherals.Set(registryKey(p.Handle.ID), p)
}

// Lookup finds a peripheral by ID, ignoring case.
func (r *Registry) Lookup(id string) (device.DiscoveredPeripheral, bool) {
	return r.peripherals.Get(registryKey(id))
}

// Devices returns a snapshot ordered strongest signal first.
func (r *Registry) Devices() []device.DiscoveredPeripheral {
	out := make([]device.DiscoveredPeripheral, 0, r.peripherals.Len())
	r.peripherals.Range(func(_ string, p device.DiscoveredPeripheral) bool {
		out = append(out, p)
		return true
	})
	device.SortBySignal(out)
	return out
}

func (r *Registry) Len() int {
	return r.peripherals.Len()
}
