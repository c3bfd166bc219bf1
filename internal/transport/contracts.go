package transport

import (
	"github.com/sotto-dev/sotto/internal/protocol"
)

// Status is the process-wide availability of one transport path as
// reported by the platform stack.
type Status string

const (
	StatusOn       Status = "on"
	StatusOff      Status = "off"
	StatusDisabled Status = "disabled"
)

// FailureFunc is the one failure callback per role. It carries a short
// human-readable message wrapped around a taxonomy sentinel and is only
// used for conditions the transport cannot recover from on its own.
type FailureFunc func(err error)

// PublisherEvents receives peer lifecycle and inbound control traffic on
// the engine's serialized queue. Implementations must not block.
type PublisherEvents interface {
	// OnCandidate fires when a peer identifies itself on the control
	// channel. The session decides authorization; until then the peer may
	// subscribe as an eavesdropper.
	OnCandidate(r Remote, info protocol.ClientInfo)

	// OnControl delivers a decoded non-presence control chunk from a peer.
	OnControl(r Remote, c protocol.Chunk)

	// OnSubscribed fires when a peer's content channel goes live, with the
	// authorization routing decided at subscribe time.
	OnSubscribed(r Remote, authorized bool)

	// OnRemoteGone fires once teardown for a peer has fully completed.
	OnRemoteGone(r Remote)
}

// SubscriberEvents receives the publisher's stream and connection
// lifecycle on the engine's serialized queue.
type SubscriberEvents interface {
	// OnContent delivers one decoded diff chunk from the committed
	// publisher.
	OnContent(c protocol.Chunk)

	// OnControl delivers one decoded control chunk from the committed
	// publisher.
	OnControl(c protocol.Chunk)

	// OnCandidate fires per discovered publisher while discovering.
	OnCandidate(r Remote, info protocol.ClientInfo)

	// OnSubscribed fires once the content channel of the committed
	// publisher is live.
	OnSubscribed(r Remote)

	// OnDisconnected fires on expected teardown of the committed
	// publisher.
	OnDisconnected(r Remote)

	// OnLost fires on unexpected loss of the committed publisher. The
	// caller is expected to restart discovery.
	OnLost(r Remote, err error)
}

// Publisher is the whisperer-side role contract.
type Publisher interface {
	Start(onFailure FailureFunc) error
	Stop()
	GoBackground()
	GoForeground()

	// Publish broadcasts diff chunks to every authorized, content-
	// subscribed remote.
	Publish(chunks []protocol.Chunk)

	// SendContent queues directed chunks for one remote. Directed queues
	// drain ahead of broadcast traffic for that remote.
	SendContent(r Remote, chunks []protocol.Chunk) error

	// SendControl queues one control chunk for one remote.
	SendControl(r Remote, c protocol.Chunk) error

	// Authorize adds the remote to the broadcast recipient set without
	// touching the underlying connection.
	Authorize(r Remote) error

	// Deauthorize removes the remote from the broadcast recipient set
	// without touching the underlying connection.
	Deauthorize(r Remote) error

	// Drop notifies the peer best-effort and tears the connection down.
	Drop(r Remote) error

	Remotes() []RemoteInfo
	Status() Status
}

// Subscriber is the listener-side role contract.
type Subscriber interface {
	Start(onFailure FailureFunc) error
	Stop()
	GoBackground()
	GoForeground()

	// Subscribe commits to exactly one publisher, stops discovery, and
	// drops every other candidate.
	Subscribe(r Remote, conv Conversation) error

	// SendControl writes one control chunk to the committed publisher.
	SendControl(r Remote, c protocol.Chunk) error

	// Drop tears down the connection to the given publisher.
	Drop(r Remote) error

	Status() Status
}
