package transport

// OpenDiscoveryID is the advertised identifier used for first-time pairing,
// before a listener knows which conversation it is joining. Subscribers in
// open discovery accept any advertising publisher.
const OpenDiscoveryID = "open"

// shortIDLen bounds the advertised identifier so it fits the radio
// advertisement payload alongside the service id.
const shortIDLen = 8

// Conversation is the slice of channel identity the engine needs: id, name,
// and the authorized-listener allow-list. The profile layer owns the rest.
type Conversation struct {
	ID                  string
	Name                string
	Owner               string
	AuthorizedListeners map[string]string
}

// ShortID returns the identifier embedded in radio advertisements. Empty
// id means open discovery.
func (c Conversation) ShortID() string {
	if c.ID == "" {
		return OpenDiscoveryID
	}
	if len(c.ID) <= shortIDLen {
		return c.ID
	}
	return c.ID[:shortIDLen]
}

// Authorized reports whether a profile is on the conversation allow-list.
func (c Conversation) Authorized(profileID string) bool {
	if profileID == "" {
		return false
	}
	_, ok := c.AuthorizedListeners[profileID]
	return ok
}

// Authorizer is the predicate a publisher consults before adding a remote
// to the broadcast recipient set. Implementations live outside the
// transports; the engine passes one in at construction.
type Authorizer interface {
	Authorized(conversationID, profileID string) bool
}
