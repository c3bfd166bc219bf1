// Package composite presents the radio and network transports as one
// publisher and one subscriber with a unified remote set.
//
// Ownership boundary:
// - staggered startup, network first with a grace delay for the radio
// - the client-id binding table and first-path-wins dedup
// - per-remote routing of operations back to the owning path
// - the multi-path failure policy: availability loss on one path is an
//   anomaly while the other lives, fatal when it was the last
//
// The composite shares the engine queue with its underlying paths, so
// path events are plain method calls and need no re-submission. Session
// errors (denied authorization, malformed streams) pass through the
// failure callback untouched; only availability is path policy.
package composite
