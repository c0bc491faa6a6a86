// Package uart binds a peripheral link to a UART-style GATT profile: one
// service with a write characteristic (host to device) and a notify
// characteristic (device to host), plus the device information service for
// the hardware revision string.
package uart
