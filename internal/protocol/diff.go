package protocol

import "strings"

// DiffLines computes the chunks that move a listener's live line from old to
// new. old never contains a newline; new may. Offsets are rune counts into
// the previous line, never byte counts.
//
// Equal inputs produce no chunks. Otherwise chunks start at the first rune
// where the inputs diverge and carry the remainder of new, with each
// embedded newline expanded to a Newline control chunk followed by the next
// segment at offset zero. A pure deletion is a single empty chunk at the
// divergence point.
func DiffLines(old, new string) []Chunk {
	o := []rune(old)
	n := []rune(new)

	i := 0
	for i < len(o) && i < len(n) && o[i] == n[i] {
		i++
	}
	if i == len(o) && i == len(n) {
		return nil
	}

	segs := strings.Split(string(n[i:]), "\n")
	chunks := make([]Chunk, 0, 2*len(segs)-1)
	chunks = append(chunks, Chunk{Offset: i, Text: segs[0]})
	for _, seg := range segs[1:] {
		chunks = append(chunks, Chunk{Offset: Newline})
		chunks = append(chunks, Chunk{Offset: 0, Text: seg})
	}
	return chunks
}

// Apply splices a diff chunk into the live line: old[:c.Offset] + c.Text in
// runes. Offsets past the end of old clamp to an append, which keeps the
// content stream self-healing after a dropped chunk. Control chunks are a
// caller bug, reported as ErrNotDiff rather than a panic.
func Apply(old string, c Chunk) (string, error) {
	if c.Offset < 0 {
		return old, ErrNotDiff
	}
	r := []rune(old)
	at := c.Offset
	if at > len(r) {
		at = len(r)
	}
	return string(r[:at]) + c.Text, nil
}
