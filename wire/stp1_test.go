package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/kaidoh/stp-proxy/wire"
)

func decodeOneFrame(t *testing.T, frame []byte) wire.Message {
	t.Helper()
	var d wire.STP1Decoder
	d.Feed(frame)
	msg, ok, err := d.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatalf("decode: frame incomplete")
	}
	if !d.Empty() {
		t.Fatalf("decode: leftover bytes after a single frame")
	}
	return msg
}

func TestSTP1RoundTrip(t *testing.T) {
	t.Parallel()

	msg := wire.Message{
		Type:        wire.MsgCommand,
		Service:     "scope",
		CommandID:   7,
		Format:      wire.FormatJSON,
		Tag:         42,
		HasClientID: true,
		ClientID:    9001,
		Payload:     []byte(`["console-logger"]`),
	}

	frame, err := wire.EncodeSTP1(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got := decodeOneFrame(t, frame)
	if got.Type != msg.Type || got.Service != msg.Service || got.CommandID != msg.CommandID ||
		got.Format != msg.Format || got.Tag != msg.Tag || !got.HasClientID ||
		got.ClientID != msg.ClientID || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestSTP1DefaultsOnMissingFields(t *testing.T) {
	t.Parallel()

	msg := wire.Message{
		Type:      wire.MsgEvent,
		Service:   "scope",
		CommandID: 0,
		Format:    wire.FormatJSON,
		Payload:   []byte(`["hello"]`),
	}
	frame, err := wire.EncodeSTP1(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := decodeOneFrame(t, frame)
	if got.Status != 0 || got.Tag != 0 || got.HasClientID || got.UUID != "" {
		t.Fatalf("expected zero-valued optional fields, got %+v", got)
	}
}

func TestSTP1FedByteByByte(t *testing.T) {
	t.Parallel()

	one, err := wire.EncodeSTP1(wire.Message{Type: wire.MsgCommand, Service: "a", Format: wire.FormatJSON, Payload: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	two, err := wire.EncodeSTP1(wire.Message{Type: wire.MsgEvent, Service: "b", Format: wire.FormatJSON, Payload: []byte("yz")})
	if err != nil {
		t.Fatal(err)
	}

	wholeStream := append(append([]byte{}, one...), two...)

	// Fed all at once.
	var whole wire.STP1Decoder
	whole.Feed(wholeStream)
	var wholeMsgs []wire.Message
	for {
		m, ok, err := whole.Next()
		if err != nil {
			t.Fatalf("whole: %v", err)
		}
		if !ok {
			break
		}
		wholeMsgs = append(wholeMsgs, m)
	}

	// Fed one byte at a time.
	var trickle wire.STP1Decoder
	var trickleMsgs []wire.Message
	for _, b := range wholeStream {
		trickle.Feed([]byte{b})
		for {
			m, ok, err := trickle.Next()
			if err != nil {
				t.Fatalf("trickle: %v", err)
			}
			if !ok {
				break
			}
			trickleMsgs = append(trickleMsgs, m)
		}
	}

	if len(wholeMsgs) != 2 || len(trickleMsgs) != 2 {
		t.Fatalf("got %d whole msgs, %d trickle msgs, want 2 and 2", len(wholeMsgs), len(trickleMsgs))
	}
	for i := range wholeMsgs {
		if wholeMsgs[i].Service != trickleMsgs[i].Service || !bytes.Equal(wholeMsgs[i].Payload, trickleMsgs[i].Payload) {
			t.Fatalf("message %d differs between whole and trickle feeding: %+v vs %+v", i, wholeMsgs[i], trickleMsgs[i])
		}
	}
}

func TestSTP1BadMarkerIsProtocolError(t *testing.T) {
	t.Parallel()

	var d wire.STP1Decoder
	d.Feed([]byte("XXXX\x00"))
	_, _, err := d.Next()
	if !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestSTP1InvalidBodyType(t *testing.T) {
	t.Parallel()

	body := wire.EncodeVarint(99) // not in 1..4
	frame := append([]byte(wire.STP1Marker), wire.EncodeVarint(uint64(len(body)))...)
	frame = append(frame, body...)

	var d wire.STP1Decoder
	d.Feed(frame)
	_, _, err := d.Next()
	if !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestSTP1EmptyResponsePayloadBecomesSingleSpace(t *testing.T) {
	t.Parallel()

	frame, err := wire.EncodeSTP1(wire.Message{
		Type:    wire.MsgResponse,
		Service: "scope",
		Format:  wire.FormatJSON,
		Tag:     3,
		Payload: nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := decodeOneFrame(t, frame)
	if string(got.Payload) != " " {
		t.Fatalf("got payload %q, want single space", got.Payload)
	}
}

func TestSTP1UUIDFallbackBeforeClientIDKnown(t *testing.T) {
	t.Parallel()

	id := "uuid:" + uuid.New().String()
	payload := []byte(`["json","` + id + `"]`)

	frame, err := wire.EncodeSTP1(wire.Message{
		Type:    wire.MsgCommand,
		Service: "scope",
		Format:  wire.FormatJSON,
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := decodeOneFrame(t, frame)
	if got.UUID != id {
		t.Fatalf("got uuid %q, want %q", got.UUID, id)
	}
	if got.HasClientID {
		t.Fatalf("did not expect a clientID field")
	}
}

func TestSTP1UUIDFallbackDoesNotFireOnceClientIDKnown(t *testing.T) {
	t.Parallel()

	id := "uuid:" + uuid.New().String()
	payload := []byte(`["json","` + id + `"]`)

	frame, err := wire.EncodeSTP1(wire.Message{
		Type:        wire.MsgCommand,
		Service:     "scope",
		Format:      wire.FormatJSON,
		HasClientID: true,
		ClientID:    5,
		Payload:     payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := decodeOneFrame(t, frame)
	if got.UUID != "" {
		t.Fatalf("expected no uuid field once clientID is known, got %q", got.UUID)
	}
	if !got.HasClientID || got.ClientID != 5 {
		t.Fatalf("expected clientID 5 to be preserved, got %+v", got)
	}
}
