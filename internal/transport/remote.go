package transport

// Kind distinguishes the two remote address spaces. Local remotes are
// identified by a radio peripheral id, global remotes by a client id
// assigned at account level.
type Kind string

const (
	KindLocal  Kind = "local"
	KindGlobal Kind = "global"
)

// Remote identifies one peer for the duration of one session. A Remote is
// never reused across sessions; reconnecting peers get a fresh value.
// The two concrete kinds below are the only implementations.
type Remote interface {
	ID() string
	Kind() Kind

	sealedRemote()
}

// LocalRemote addresses a peer over the short-range radio path. DeviceID
// is the radio stack's identifier for the peer endpoint: the central id
// on the publisher side, the peripheral id on the subscriber side.
type LocalRemote struct {
	DeviceID string
}

func (r LocalRemote) ID() string { return r.DeviceID }
func (r LocalRemote) Kind() Kind { return KindLocal }
func (LocalRemote) sealedRemote() {}

// GlobalRemote addresses a peer over the network path.
type GlobalRemote struct {
	ClientID string
}

func (r GlobalRemote) ID() string { return r.ClientID }
func (r GlobalRemote) Kind() Kind { return KindGlobal }
func (GlobalRemote) sealedRemote() {}

// RemoteInfo is a point-in-time snapshot of one tracked remote, used by
// status surfaces and tests. Mutable connection state stays inside the
// owning transport.
type RemoteInfo struct {
	ID                string
	Kind              Kind
	ContentSubscribed bool
	ControlSubscribed bool
	Authorized        bool
	DropInProgress    bool
}
