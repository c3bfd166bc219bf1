package protocol

import (
	"fmt"
	"strings"
)

const clientInfoFields = 6

// ClientInfo identifies a peer during discovery and handshake. It rides
// only inside presence control chunks.
type ClientInfo struct {
	ConversationID   string
	ConversationName string
	ClientID         string
	ProfileID        string
	Username         string
	ContentID        string
}

// Encode joins the six fields in fixed order. Field order is part of the
// wire contract.
func (ci ClientInfo) Encode() string {
	return strings.Join([]string{
		ci.ConversationID,
		ci.ConversationName,
		ci.ClientID,
		ci.ProfileID,
		ci.Username,
		ci.ContentID,
	}, "|")
}

// Validate enforces the identity fields required for handshake routing.
func (ci ClientInfo) Validate() error {
	if strings.TrimSpace(ci.ClientID) == "" {
		return fmt.Errorf("%w: client info missing client id", ErrMalformedPacket)
	}
	if strings.TrimSpace(ci.ProfileID) == "" {
		return fmt.Errorf("%w: client info missing profile id", ErrMalformedPacket)
	}
	return nil
}

// DecodeClientInfo parses a presence payload. Only the last field may
// contain '|'; fewer than six fields is a malformed packet.
func DecodeClientInfo(payload string) (ClientInfo, error) {
	parts := strings.SplitN(payload, "|", clientInfoFields)
	if len(parts) < clientInfoFields {
		return ClientInfo{}, fmt.Errorf("%w: client info has %d fields", ErrMalformedPacket, len(parts))
	}
	ci := ClientInfo{
		ConversationID:   parts[0],
		ConversationName: parts[1],
		ClientID:         parts[2],
		ProfileID:        parts[3],
		Username:         parts[4],
		ContentID:        parts[5],
	}
	if err := ci.Validate(); err != nil {
		return ClientInfo{}, err
	}
	return ci, nil
}
