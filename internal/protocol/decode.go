package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Decode parses one wire chunk. Only the first '|' separates; the payload
// may itself contain '|'.
func Decode(b []byte) (Chunk, error) {
	sep := bytes.IndexByte(b, '|')
	if sep < 0 {
		return Chunk{}, fmt.Errorf("%w: no separator", ErrMalformedPacket)
	}
	offset, err := strconv.Atoi(string(b[:sep]))
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: bad offset %q", ErrMalformedPacket, string(b[:sep]))
	}
	return Chunk{Offset: offset, Text: string(b[sep+1:])}, nil
}
