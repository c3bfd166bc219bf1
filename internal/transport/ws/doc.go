// Package ws implements the publisher and subscriber roles over
// websocket sessions on the local network.
//
// Ownership boundary:
// - the session endpoint, one upgraded socket per listener
// - mDNS advertisement and browse for conversation discovery
// - dial retries with exponential backoff on the subscriber
// - per-connection send buffers with write deadlines and pings
//
// Both chunk bands travel on the one socket; ordering per remote comes
// from the connection FIFO. All state mutation runs on the engine queue;
// socket read/write loops and dial attempts are the only goroutines, and
// they hand results back to the queue.
package ws
