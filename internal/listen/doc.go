// Package listen runs the listener side of a session: it commits to a
// sighted whisperer, reconstructs the live line and committed history
// from the chunk stream, and surfaces the result to pluggable sinks.
//
// Ownership boundary:
//   - the transport owns discovery, the connection, and the drop
//     handshake; this package owns the subscribe decision and the text
//   - content chunks replay through protocol.Apply; control chunks
//     steer history, replay, cues, and session lifecycle
//   - sinks and cues are collaborator interfaces so terminal output and
//     vendor sound/speech pipelines stay out of the engine
//
// All state lives on the engine queue. The gin status surface reads
// through Snapshot only.
package listen
