// Package dispatch provides the serialized work queue that owns all session
// and transport state. Every callback from a transport, timer, or UI-facing
// surface is funneled onto one queue per engine, so state transitions never
// need their own locks.
package dispatch
