// Package whisper runs the publisher side of a session: the live line,
// the committed-history ring, listener authorization, and replay.
//
// Ownership boundary:
// - diffing live-line updates onto the wire and committing on newline
// - the ListenRequest answer: allow-list check, auth yes/no, catch-up
// - replay and catch-up serving on the control and directed content bands
// - the gin status/admin surface, fed only by queue snapshots
//
// The transport owns connections and broadcast routing; this package
// owns what gets said and to whom. Exported methods are safe from any
// goroutine and hop onto the engine queue internally.
package whisper
