//go:build !darwin

package main

const (
	exampleDeviceAddress = "C4:3A:9F:10:22:7E"
	deviceAddressNote    = "Device address format: MAC address, case-insensitive\n  Use 'bledfu scan' to discover devices"
)
