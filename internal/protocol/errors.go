package protocol

import "errors"

var (
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	ErrNotDiff         = errors.New("protocol: not a diff chunk")
)
