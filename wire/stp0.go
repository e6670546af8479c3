package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// stp0Codec is the shared UTF-16BE codec for STP/0 frames (§4.3). IgnoreBOM
// matches the original's behavior: no byte-order mark is expected or
// emitted, the dialect's byte order is fixed.
var stp0Codec = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// STP0Frame is a decoded STP/0 payload split into its command/service name
// and the remainder of the line, e.g. ("*services", "a,b") or
// ("console-logger", "<log>hi</log>").
type STP0Frame struct {
	Command string
	Rest    string
}

// EncodeSTP0 renders payload as "<charLen> <utf16be bytes>". The length
// prefix counts characters as UTF-16 code units, not encoded bytes, per §9
// Open Question (b): downstream consumers expect the character count even
// though what follows on the wire is exactly twice that many bytes (a
// character outside the BMP counts as two units, its surrogate pair).
func EncodeSTP0(payload string) ([]byte, error) {
	encoded, _, err := transform.Bytes(stp0Codec.NewEncoder(), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("wire: stp0 encode: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(strconv.Itoa(len(encoded) / 2))
	out.WriteByte(' ')
	out.Write(encoded)
	return out.Bytes(), nil
}

// STP0Decoder accumulates raw socket bytes and yields whole STP/0 frames.
// It implements the "<decimalLen> <UTF-16BE payload>" length/body state
// machine of §4.4 phase (b).
type STP0Decoder struct {
	buf []byte

	haveLen   bool
	charLen   int
	headerLen int // bytes consumed by "<len> " before the payload starts
}

// Feed appends newly read bytes to the decoder's input buffer.
func (d *STP0Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one complete STP/0 frame. It returns (frame,
// true, nil) once a full frame is buffered, (zero, false, nil) when more
// bytes are needed, and an error only on a malformed length prefix.
func (d *STP0Decoder) Next() (STP0Frame, bool, error) {
	if !d.haveLen {
		idx := bytes.IndexByte(d.buf, ' ')
		if idx < 0 {
			return STP0Frame{}, false, nil
		}
		n, err := strconv.Atoi(string(d.buf[:idx]))
		if err != nil || n < 0 {
			return STP0Frame{}, false, fmt.Errorf("wire: stp0 bad length prefix %q", d.buf[:idx])
		}
		d.charLen = n
		d.headerLen = idx + 1
		d.haveLen = true
	}

	// The payload is charLen UTF-16 code units, i.e. 2*charLen bytes on
	// the wire (surrogate pairs still occupy two 16-bit units each).
	need := d.headerLen + d.charLen*2
	if len(d.buf) < need {
		return STP0Frame{}, false, nil
	}

	payloadBytes := d.buf[d.headerLen:need]
	decoded, _, err := transform.Bytes(stp0Codec.NewDecoder(), payloadBytes)
	if err != nil {
		return STP0Frame{}, false, fmt.Errorf("wire: stp0 decode: %w", err)
	}

	d.buf = d.buf[need:]
	d.haveLen = false
	d.charLen = 0
	d.headerLen = 0

	return splitSTP0(string(decoded)), true, nil
}

// Empty reports whether the decoder holds no buffered bytes.
func (d *STP0Decoder) Empty() bool {
	return len(d.buf) == 0
}

// AtBoundary reports whether the decoder is positioned at the start of a
// new frame (no length prefix parsed yet and nothing buffered). The host
// session uses this to know when it is safe to test the next bytes for the
// STP/1 sentinel instead of a decimal length digit.
func (d *STP0Decoder) AtBoundary() bool {
	return !d.haveLen && len(d.buf) == 0
}

func splitSTP0(payload string) STP0Frame {
	command, rest, found := strings.Cut(payload, " ")
	if !found {
		return STP0Frame{Command: payload}
	}
	return STP0Frame{Command: command, Rest: rest}
}
