package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// STP1Marker is the four-byte frame marker that precedes every STP/1 frame,
// once past the dialect's initial "STP/1\n" sentinel.
const STP1Marker = "STP\x01"

// STP1Sentinel is the token that signals transition from negotiation into
// the STP/1 dialect.
const STP1Sentinel = "STP/1\n"

// MsgType is the STP/1 message type, field 0 of the body (no tag, emitted
// first as a bare varint per §4.2).
type MsgType uint32

const (
	MsgCommand  MsgType = 1
	MsgResponse MsgType = 2
	MsgEvent    MsgType = 3
	MsgError    MsgType = 4
)

func (t MsgType) valid() bool {
	return t >= MsgCommand && t <= MsgError
}

// Format is the payload encoding, field 3.
type Format uint32

const FormatJSON Format = 1

// Field numbers from the Message table in spec §3 / §4.2.
const (
	fieldService   = 1
	fieldCommandID = 2
	fieldFormat    = 3
	fieldStatus    = 4
	fieldTag       = 5
	fieldClientID  = 6
	fieldUUID      = 7
	fieldPayload   = 8
)

// Message is the statically typed rendering of the STP/1 wire message: a
// struct with defaulted fields rather than a dynamic map, per the spec's
// design note on dynamic message shape (§9).
type Message struct {
	Type      MsgType
	Service   string
	CommandID uint32
	Format    Format
	Status    uint32
	Tag       uint32

	ClientID    uint32
	HasClientID bool

	UUID string

	Payload []byte
}

// ErrProtocol marks a fatal STP/1 framing/protocol error (§7): malformed
// varint, invalid wire type, or a body type outside 1..4.
var ErrProtocol = errors.New("wire: stp1 protocol error")

// EncodeSTP1 renders msg as a complete STP/1 frame: marker, varint body
// length, body. Fields are emitted in ascending field number (§4.2).
func EncodeSTP1(msg Message) ([]byte, error) {
	if !msg.Type.valid() {
		return nil, fmt.Errorf("%w: invalid message type %d", ErrProtocol, msg.Type)
	}

	var body []byte
	body = protowire.AppendVarint(body, uint64(msg.Type))
	body = protowire.AppendTag(body, fieldService, protowire.BytesType)
	body = protowire.AppendString(body, msg.Service)
	body = protowire.AppendTag(body, fieldCommandID, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(msg.CommandID))
	body = protowire.AppendTag(body, fieldFormat, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(msg.Format))
	if msg.Status != 0 {
		body = protowire.AppendTag(body, fieldStatus, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(msg.Status))
	}
	if msg.Tag != 0 {
		body = protowire.AppendTag(body, fieldTag, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(msg.Tag))
	}

	switch {
	case msg.HasClientID:
		body = protowire.AppendTag(body, fieldClientID, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(msg.ClientID))
	case msg.UUID != "":
		body = protowire.AppendTag(body, fieldUUID, protowire.BytesType)
		body = protowire.AppendString(body, msg.UUID)
	default:
		if id, ok := sniffUUID(msg.Payload); ok {
			body = protowire.AppendTag(body, fieldUUID, protowire.BytesType)
			body = protowire.AppendString(body, id)
		}
	}

	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	// Workaround for a downstream status-204 elision: an empty response
	// payload is sent as a single space instead of zero bytes (§3).
	if len(payload) == 0 && msg.Type == MsgResponse {
		payload = []byte{' '}
	}
	body = protowire.AppendTag(body, fieldPayload, protowire.BytesType)
	body = protowire.AppendBytes(body, payload)

	out := make([]byte, 0, len(STP1Marker)+sizeVarintLen(len(body))+len(body))
	out = append(out, STP1Marker...)
	out = protowire.AppendVarint(out, uint64(len(body)))
	out = append(out, body...)
	return out, nil
}

func sizeVarintLen(n int) int {
	return protowire.SizeVarint(uint64(n))
}

// sniffUUID extracts the legacy identity fallback documented in §4.2 and
// §9 Open Question (a): when the payload is a JSON array whose second
// element is a string of the form "uuid:...", that string becomes the
// uuid field. This path only fires before any host message has supplied a
// clientID (HasClientID false and UUID unset), matching the original's
// extractID_to_stp1_pb.
func sniffUUID(payload []byte) (string, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil || len(arr) < 2 {
		return "", false
	}
	var second string
	if err := json.Unmarshal(arr[1], &second); err != nil {
		return "", false
	}
	if !strings.HasPrefix(second, "uuid:") {
		return "", false
	}
	return second, true
}

// DecodeSTP1Body parses a complete STP/1 body (the bytes after the varint
// length prefix) into a Message. Missing fields take the defaults
// documented in §3.
func DecodeSTP1Body(body []byte) (Message, error) {
	typeVal, rest, err := DecodeVarint(body)
	if err != nil {
		return Message{}, fmt.Errorf("%w: message type: %v", ErrProtocol, err)
	}
	msg := Message{Type: MsgType(typeVal)}
	if !msg.Type.valid() {
		return Message{}, fmt.Errorf("%w: invalid message type %d", ErrProtocol, typeVal)
	}

	for len(rest) > 0 {
		num, wt, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: malformed field tag", ErrProtocol)
		}
		rest = rest[n:]

		switch wt {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: malformed varint field", ErrProtocol)
			}
			rest = rest[n:]
			assignVarintField(&msg, int32(num), v)
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: malformed length-delimited field", ErrProtocol)
			}
			rest = rest[n:]
			assignBytesField(&msg, int32(num), b)
		default:
			return Message{}, fmt.Errorf("%w: unsupported wire type %d", ErrProtocol, wt)
		}
	}

	return msg, nil
}

func assignVarintField(msg *Message, num int32, v uint64) {
	switch num {
	case fieldCommandID:
		msg.CommandID = uint32(v)
	case fieldFormat:
		msg.Format = Format(v)
	case fieldStatus:
		msg.Status = uint32(v)
	case fieldTag:
		msg.Tag = uint32(v)
	case fieldClientID:
		msg.ClientID = uint32(v)
		msg.HasClientID = true
	}
}

func assignBytesField(msg *Message, num int32, b []byte) {
	switch num {
	case fieldService:
		msg.Service = string(b)
	case fieldUUID:
		msg.UUID = string(b)
	case fieldPayload:
		msg.Payload = append([]byte(nil), b...)
	}
}

// STP1Decoder accumulates bytes from the host socket and yields whole
// Messages, one per complete frame (marker + varint length + body). Partial
// frames remain buffered; the decoder never blocks mid-frame (§5).
type STP1Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the decoder's input buffer.
func (d *STP1Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one complete frame from the buffered input. It
// returns (msg, true, nil) when a frame was available, (zero, false, nil)
// when more bytes are needed, and a non-nil error (wrapping ErrProtocol) on
// a malformed marker/length/type.
func (d *STP1Decoder) Next() (Message, bool, error) {
	if len(d.buf) < len(STP1Marker) {
		return Message{}, false, nil
	}
	if string(d.buf[:len(STP1Marker)]) != STP1Marker {
		return Message{}, false, fmt.Errorf("%w: bad frame marker", ErrProtocol)
	}

	length, rest, err := DecodeVarint(d.buf[len(STP1Marker):])
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("%w: length prefix: %v", ErrProtocol, err)
	}

	if uint64(len(rest)) < length {
		return Message{}, false, nil
	}

	body := rest[:length]
	msg, err := DecodeSTP1Body(body)
	if err != nil {
		return Message{}, false, err
	}

	consumed := len(d.buf) - len(rest) + int(length)
	d.buf = d.buf[consumed:]
	return msg, true, nil
}

// Empty reports whether the decoder holds no buffered bytes. Used by the
// host session to enforce the "empty buffers before dialect switch"
// invariant (§4.4).
func (d *STP1Decoder) Empty() bool {
	return len(d.buf) == 0
}
