// Package gatt is the short-range radio abstraction the radio transports
// run on.
//
// Ownership boundary:
// - peripheral and central role surfaces (advertise, scan, connect,
//   subscribe, write, notify)
// - the service and characteristic identifiers of the wire surface
// - an in-process Medium implementation for tests and same-host runs
//
// Handlers are invoked on medium goroutines with no locks held; owners
// reschedule onto their own serialized queue. The package carries no
// protocol knowledge; payloads are opaque bytes.
package gatt
