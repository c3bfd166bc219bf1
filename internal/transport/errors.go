package transport

import "errors"

var (
	// ErrUnknownRemote flags an operation addressed to an id the transport
	// is not tracking. Always non-fatal; callers log and continue.
	ErrUnknownRemote = errors.New("transport: unknown remote")

	// ErrTransportUnavailable reports a path whose platform stack is off
	// or disabled. Surfaced through status, never through a callback.
	ErrTransportUnavailable = errors.New("transport: unavailable")

	// ErrHandshakeTimeout ends a candidate that never completed pairing.
	ErrHandshakeTimeout = errors.New("transport: handshake timeout")

	// ErrAuthorizationDenied ends a candidate the conversation owner
	// refused. The remote is dropped, never promoted.
	ErrAuthorizationDenied = errors.New("transport: authorization denied")

	// ErrNoTransportAvailable is fatal for the session: no path could
	// start. Delivered through the failure callback.
	ErrNoTransportAvailable = errors.New("transport: no transport available")

	// ErrAlreadySubscribed flags a second Subscribe while a publisher is
	// already committed. One subscriber, one publisher, per session.
	ErrAlreadySubscribed = errors.New("transport: already subscribed")

	// ErrStopped flags an operation on a transport after Stop.
	ErrStopped = errors.New("transport: stopped")
)
