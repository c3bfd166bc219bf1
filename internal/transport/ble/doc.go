// Package ble implements the publisher and subscriber roles over the
// short-range radio surface.
//
// Ownership boundary:
// - per-peer promotion state machines for both roles
// - advertising window scheduling on the publisher
// - outbound broadcast and per-remote directed queues
// - teardown with bounded acknowledgement waits
//
// All methods and handler deliveries run on the engine queue passed at
// construction; nothing here takes its own locks.
package ble
