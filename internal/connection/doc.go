// Package connection runs the single-peripheral BLE lifecycle: power, scan,
// connect, transport readiness and teardown.
//
// A Manager turns every input (API call, central callback, transport
// callback) into an event, applies it to its state with a pure transition
// function and executes the resulting effects in order outside its lock.
// Observers register one EventSink.
package connection
