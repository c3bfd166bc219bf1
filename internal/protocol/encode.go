package protocol

import "strconv"

// Encode serializes c into the wire form "<offset>|<text>".
func Encode(c Chunk) []byte {
	off := strconv.Itoa(c.Offset)
	buf := make([]byte, 0, len(off)+1+len(c.Text))
	buf = append(buf, off...)
	buf = append(buf, '|')
	buf = append(buf, c.Text...)
	return buf
}

// NewDiff builds a content chunk replacing the live line from offset.
func NewDiff(offset int, text string) Chunk {
	return Chunk{Offset: offset, Text: text}
}

// NewControl builds a control chunk for one of the enumerated offsets.
func NewControl(offset int, text string) Chunk {
	return Chunk{Offset: offset, Text: text}
}

// NewPresence builds a presence chunk carrying an encoded ClientInfo.
func NewPresence(offset int, info ClientInfo) Chunk {
	return Chunk{Offset: offset, Text: info.Encode()}
}
