// Package goble is the github.com/go-ble/ble backend for device.Central
// and device.Link. It is the default backend on macOS and Linux.
package goble
