// Package session owns the single host TCP connection: the dialect state
// machine, the framers for both STP dialects, and serialized writes. It is
// the Go-idiomatic rendition of the teacher's connection-owning "conn"
// struct (proxy/postgres/conn.go in the teacher), generalized from a
// bidirectional DB-wire relay into the STP negotiation/dispatch loop of
// spec §4.4.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/kaidoh/stp-proxy/wire"
)

// Dialect is the negotiation state of §3/§4.4. Transitions are monotonic:
// negotiating -> stp0, and stp0 -> stp1 only on the sentinel. There is no
// reverse transition.
type Dialect int

const (
	DialectNegotiating Dialect = iota
	DialectSTP0
	DialectSTP1
)

func (d Dialect) String() string {
	switch d {
	case DialectNegotiating:
		return "negotiating"
	case DialectSTP0:
		return "stp0"
	case DialectSTP1:
		return "stp1"
	}
	return "unknown"
}

// FatalError marks framing/protocol errors that are fatal to the session:
// the only correct recovery is to close and let the peer reconnect (§7).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "session: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Handlers are the callbacks a Host invokes as it parses the wire. All are
// invoked from the single goroutine running Host.Run, so implementations
// do not need their own locking with respect to each other.
type Handlers struct {
	// OnSTP1 is called for every decoded STP/1 message.
	OnSTP1 func(wire.Message)
	// OnSTP0 is called for every decoded STP/0 frame.
	OnSTP0 func(wire.STP0Frame)
	// OnDialectChange is called whenever the dialect advances.
	OnDialectChange func(Dialect)
	// OnClose is called once, when the host connection is gone (clean
	// close or fatal error). err is nil for a clean close.
	OnClose func(err error)
}

// Host owns one host net.Conn: the read loop, the dialect state, and
// serialized writes (§5: single-owner-task discipline for the output
// buffer).
type Host struct {
	conn net.Conn
	h    Handlers

	writeMu sync.Mutex

	mu      sync.Mutex
	dialect Dialect

	negBuf []byte

	stp0dec          wire.STP0Decoder
	stp1dec          wire.STP1Decoder
	awaitingSentinel bool // set once a "stp-*" service enable is in flight
	sentinelScanBuf  []byte

	clientIDKnown bool
	clientIDValue uint32
}

// NewHost wraps conn. The session starts in DialectNegotiating.
func NewHost(conn net.Conn, h Handlers) *Host {
	return &Host{conn: conn, h: h, dialect: DialectNegotiating}
}

// Dialect returns the current dialect.
func (s *Host) Dialect() Dialect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialect
}

// ClientIDPrefix returns the clientID value captured from the host's first
// STP/1 message (§3 invariant 5), and whether one has been captured yet.
func (s *Host) ClientIDPrefix() (value uint32, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientIDValue, s.clientIDKnown
}

// ExpectSTP1Sentinel tells the host session that the registry just enabled
// a "stp-*" service, so the next STP/0 frame boundary should be checked for
// the "STP/1\n" sentinel instead of a decimal length digit (§4.7).
func (s *Host) ExpectSTP1Sentinel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitingSentinel = true
}

// Run reads from the host connection until it closes or a fatal protocol
// error occurs. It blocks the calling goroutine; callers typically run it
// in its own goroutine per connection.
func (s *Host) Run() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := s.feed(buf[:n]); ferr != nil {
				_ = s.conn.Close()
				s.closeWith(ferr)
				return ferr
			}
		}
		if err != nil {
			_ = s.conn.Close()
			if errors.Is(err, io.EOF) || isClosedErr(err) {
				s.closeWith(nil)
				return nil
			}
			s.closeWith(err)
			return err
		}
	}
}

// Close closes the underlying connection.
func (s *Host) Close() error {
	return s.conn.Close()
}

func (s *Host) closeWith(err error) {
	if s.h.OnClose != nil {
		s.h.OnClose(err)
	}
}

func (s *Host) feed(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.dialect {
	case DialectNegotiating:
		return s.feedNegotiatingLocked(b)
	case DialectSTP0:
		return s.feedSTP0Locked(b)
	case DialectSTP1:
		return s.feedSTP1Locked(b)
	default:
		return fmt.Errorf("session: unknown dialect %d", s.dialect)
	}
}

func (s *Host) feedNegotiatingLocked(b []byte) error {
	s.negBuf = append(s.negBuf, b...)
	sentinel := []byte(wire.STP1Sentinel)
	n := min(len(s.negBuf), len(sentinel))

	if !bytes.Equal(s.negBuf[:n], sentinel[:n]) {
		rest := s.negBuf
		s.negBuf = nil
		s.setDialectLocked(DialectSTP0)
		return s.feedSTP0Locked(rest)
	}

	if len(s.negBuf) >= len(sentinel) {
		rest := s.negBuf[len(sentinel):]
		s.negBuf = nil
		s.setDialectLocked(DialectSTP1)
		return s.feedSTP1Locked(rest)
	}

	return nil // ambiguous prefix so far; wait for more bytes
}

// feedSTP0Locked decodes STP/0 frames out of b. While a "stp-*" enable is
// pending (awaitingSentinel), it walks b one byte at a time so that bytes
// belonging to a possible "STP/1\n" sentinel never slip past a frame
// boundary into the ordinary length-prefix decoder. Once no enable is
// pending — the steady-state case for almost all of a connection's
// lifetime — it decodes in bulk.
func (s *Host) feedSTP0Locked(b []byte) error {
	if !s.awaitingSentinel {
		return s.decodeSTP0ChunkLocked(b)
	}

	for len(b) > 0 {
		if s.stp0dec.AtBoundary() {
			if err := s.feedSentinelScanByteLocked(b[0]); err != nil {
				return err
			}
			b = b[1:]
			if s.dialect == DialectSTP1 {
				return s.feedSTP1Locked(b)
			}
			continue
		}
		if err := s.decodeSTP0ChunkLocked(b[:1]); err != nil {
			return err
		}
		b = b[1:]
	}
	return nil
}

func (s *Host) decodeSTP0ChunkLocked(b []byte) error {
	s.stp0dec.Feed(b)
	for {
		frame, ok, err := s.stp0dec.Next()
		if err != nil {
			return &FatalError{Err: err}
		}
		if !ok {
			return nil
		}
		if s.h.OnSTP0 != nil {
			s.h.OnSTP0(frame)
		}
	}
}

// feedSentinelScanByteLocked buffers one byte while looking for the
// "STP/1\n" sentinel. If the bytes diverge from the sentinel, they are
// handed back to the ordinary STP/0 decoder and scanning stops until the
// next "stp-*" enable.
func (s *Host) feedSentinelScanByteLocked(b byte) error {
	s.sentinelScanBuf = append(s.sentinelScanBuf, b)
	sentinel := []byte(wire.STP1Sentinel)
	n := min(len(s.sentinelScanBuf), len(sentinel))

	if !bytes.Equal(s.sentinelScanBuf[:n], sentinel[:n]) {
		rest := s.sentinelScanBuf
		s.sentinelScanBuf = nil
		s.awaitingSentinel = false
		return s.decodeSTP0ChunkLocked(rest)
	}

	if len(s.sentinelScanBuf) < len(sentinel) {
		return nil // still ambiguous
	}

	s.sentinelScanBuf = nil
	s.awaitingSentinel = false

	if !s.stp0dec.Empty() || !s.stp1dec.Empty() {
		return &FatalError{Err: errors.New("session: dialect switch with non-empty buffers")}
	}

	s.setDialectLocked(DialectSTP1)
	return nil
}

func (s *Host) feedSTP1Locked(b []byte) error {
	s.stp1dec.Feed(b)
	for {
		msg, ok, err := s.stp1dec.Next()
		if err != nil {
			return &FatalError{Err: err}
		}
		if !ok {
			return nil
		}
		if !s.clientIDKnown {
			s.clientIDKnown = true
			s.clientIDValue = msg.ClientID
		}
		if s.h.OnSTP1 != nil {
			// s.mu is released while the handler runs: tag callbacks send
			// follow-up commands through SendSTP1, which takes s.mu. The
			// decoder state is only touched from the Run goroutine.
			s.mu.Unlock()
			s.h.OnSTP1(msg)
			s.mu.Lock()
		}
	}
}

func (s *Host) setDialectLocked(d Dialect) {
	s.dialect = d
	if s.h.OnDialectChange != nil {
		s.h.OnDialectChange(d)
	}
}

// SendText writes a raw STP/0 frame (already-encoded payload string).
func (s *Host) SendText(payload string) error {
	frame, err := wire.EncodeSTP0(payload)
	if err != nil {
		return fmt.Errorf("session: encode stp0: %w", err)
	}
	return s.write(frame)
}

// SendSTP1 writes an STP/1 message, filling in the clientID from the
// captured prefix (or falling back to the uuid sniff) per §4.2.
func (s *Host) SendSTP1(msg wire.Message) error {
	s.mu.Lock()
	if s.clientIDKnown && !msg.HasClientID && msg.UUID == "" {
		msg.HasClientID = true
		msg.ClientID = s.clientIDValue
	}
	s.mu.Unlock()

	frame, err := wire.EncodeSTP1(msg)
	if err != nil {
		return fmt.Errorf("session: encode stp1: %w", err)
	}
	return s.write(frame)
}

func (s *Host) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return strings.Contains(netErr.Err.Error(), "closed")
	}
	return strings.Contains(err.Error(), "closed")
}
