// Package protocol owns the chunk wire contract and live-line diff
// primitives.
//
// Ownership boundary:
// - chunk encode/decode
// - control offset enumeration and band predicates
// - live-line diff/apply
// - presence ClientInfo payloads
package protocol
