// Package device defines the hardware boundary of the BLE stack: peripheral
// handles, resolved GATT descriptors, UUID normalization, connection errors
// and the callback-driven Central/Link interfaces implemented by the backends
// in internal/device/go-ble and internal/device/tinygo.
//
// Nothing in this package blocks on the radio. Every Central and Link
// operation returns immediately and reports its outcome through a delegate:
//   - Central operations report to a CentralDelegate (power, discovery, link up/down)
//   - Link operations report to a LinkDelegate (services, characteristics, values)
//
// Delegates must tolerate callbacks that arrive after they stopped caring,
// e.g. a characteristic report that lands after a disconnect was requested.
package device
