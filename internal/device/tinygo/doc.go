// Package tinyble is the tinygo.org/x/bluetooth backend for device.Central
// and device.Link. Select it with backend "tinygo" in the config file.
package tinyble
