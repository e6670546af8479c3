// Package wire implements the two STP framing dialects: the STP/0 text
// dialect (decimal length + UTF-16BE payload) and the STP/1 binary dialect
// (varint length + protobuf-style tag-wire fields).
package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrIncomplete is returned by DecodeVarint when buf does not yet contain a
// full varint. Callers should retain buf and retry once more bytes arrive;
// it is distinguishable from a successfully decoded zero.
var ErrIncomplete = errors.New("wire: incomplete varint")

// ErrVarintTooLong is a protocol error: an 11th continuation byte was seen,
// which cannot occur in a valid 64-bit LEB128 encoding.
var ErrVarintTooLong = errors.New("wire: varint exceeds 10 bytes")

// EncodeVarint encodes n as unsigned LEB128, matching the STP/1 wire format.
func EncodeVarint(n uint64) []byte {
	return protowire.AppendVarint(nil, n)
}

// DecodeVarint reads a single LEB128 varint from the front of buf.
//
// On success it returns the decoded value, the remaining unconsumed bytes,
// and a nil error. If buf holds a partial varint (the continuation bit was
// set on the last byte present), it returns ErrIncomplete so the caller can
// retry once more bytes are buffered. A 64-bit unsigned LEB128 never needs
// more than 10 bytes; an 11th byte with the continuation bit set is
// ErrVarintTooLong, a fatal framing error.
//
// protowire.ConsumeVarint cannot be used directly here: it collapses
// "truncated" and "malformed" into a single negative-length signal, and the
// STP/1 state machine needs to tell those apart (§4.1 of the spec).
func DecodeVarint(buf []byte) (value uint64, rest []byte, err error) {
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		bits := uint64(b & 0x7f)
		if i == 9 && bits >= 0x02 {
			// The 10th byte may only contribute bit 63; anything wider
			// would overflow 64 bits.
			return 0, nil, ErrVarintTooLong
		}
		value |= bits << shift
		if b&0x80 == 0 {
			return value, buf[i+1:], nil
		}
		if i == 9 {
			// Continuation bit set on the 10th byte: an 11th byte would
			// be required, which no valid 64-bit LEB128 needs.
			return 0, nil, ErrVarintTooLong
		}
		shift += 7
	}
	return 0, nil, ErrIncomplete
}

