package markov

import (
	"encoding/binary"
	"fmt"
)

// blobVersion tags the binary distribution encoding so the format can
// evolve without breaking existing databases.
const blobVersion = 0x01

// Distribution is an insertion-ordered mapping of next tokens to
// accumulated counts for a single state. The order tokens were first
// added is preserved so that tie-breaking during sampling stays
// deterministic across encode/decode round trips.
type Distribution struct {
	tokens []string
	counts map[string]int64
	total  int64
}

// NewDistribution returns an empty distribution.
func NewDistribution() *Distribution {
	return &Distribution{counts: make(map[string]int64)}
}

// Add accumulates count occurrences of token. Tokens are appended to
// the insertion order the first time they are seen.
func (d *Distribution) Add(token string, count int64) {
	if count <= 0 {
		return
	}
	if _, ok := d.counts[token]; !ok {
		d.tokens = append(d.tokens, token)
	}
	d.counts[token] += count
	d.total += count
}

// Count returns the accumulated count for token, or 0 if absent.
func (d *Distribution) Count(token string) int64 {
	return d.counts[token]
}

// Total returns the sum of all counts. It is maintained incrementally
// so normalization during sampling is O(1).
func (d *Distribution) Total() int64 {
	return d.total
}

// Len returns the number of distinct next tokens.
func (d *Distribution) Len() int {
	return len(d.tokens)
}

// Tokens returns the next tokens in insertion order. The returned slice
// is owned by the distribution and must not be modified.
func (d *Distribution) Tokens() []string {
	return d.tokens
}

// Encode serializes the distribution into the packed binary blob format
// stored in the states table: a version tag, a uvarint entry count, then
// repeated (uvarint token length, token bytes, uvarint count) entries.
func (d *Distribution) Encode() []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(d.tokens)*8)
	buf = append(buf, blobVersion)
	buf = binary.AppendUvarint(buf, uint64(len(d.tokens)))
	for _, tok := range d.tokens {
		buf = binary.AppendUvarint(buf, uint64(len(tok)))
		buf = append(buf, tok...)
		buf = binary.AppendUvarint(buf, uint64(d.counts[tok]))
	}
	return buf
}

// DecodeDistribution parses a blob produced by Encode. Any structural
// problem (unknown version, truncation, trailing bytes) is reported as
// an error wrapping ErrCorruptData.
func DecodeDistribution(blob []byte) (*Distribution, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorruptData)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob version 0x%02x", ErrCorruptData, blob[0])
	}
	off := 1

	entries, n := binary.Uvarint(blob[off:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad entry count", ErrCorruptData)
	}
	off += n

	d := NewDistribution()
	for i := uint64(0); i < entries; i++ {
		tokLen, n := binary.Uvarint(blob[off:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad token length at entry %d", ErrCorruptData, i)
		}
		off += n
		if uint64(len(blob)-off) < tokLen {
			return nil, fmt.Errorf("%w: truncated token at entry %d", ErrCorruptData, i)
		}
		tok := string(blob[off : off+int(tokLen)])
		off += int(tokLen)

		count, n := binary.Uvarint(blob[off:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad count at entry %d", ErrCorruptData, i)
		}
		off += n

		d.Add(tok, int64(count))
	}
	if off != len(blob) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptData, len(blob)-off)
	}
	return d, nil
}
