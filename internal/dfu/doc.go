// Package dfu drives a firmware update of one discovered peripheral.
//
// A Session sits on top of a connection.Manager. It scans with manual
// selection, remembers what it saw, fetches the firmware package and hands
// it to a TransferService. Reports from the service are relayed to a single
// Sink as Event values; exactly one transfer may be active at a time.
package dfu
