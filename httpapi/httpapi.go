// Package httpapi is the HTTP façade the debugger-UI client speaks: seven
// routes (the six of the spec plus /disable) translating long-polling HTTP into the host session, rendered as
// the small literal XML responses the original dragonkeeper interface
// produces (no XML library anywhere in the retrieved corpus to build on;
// see DESIGN.md). Grounded on the teacher's web/web.go: a bare
// net/http.ServeMux, an http.Server with a ReadHeaderTimeout, and the same
// New/Serve/Shutdown/Handler shape.
package httpapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kaidoh/stp-proxy/registry"
	"github.com/kaidoh/stp-proxy/router"
	"github.com/kaidoh/stp-proxy/schema"
	"github.com/kaidoh/stp-proxy/session"
	"github.com/kaidoh/stp-proxy/tagalloc"
	"github.com/kaidoh/stp-proxy/wire"
)

// xmlPrelude is prepended to a POST body that isn't already XML, matching
// the original's XML_PRELUDE workaround for STP/0 bodies (spec §4.9).
const xmlPrelude = `<?xml version="1.0"?>`

// binding is the set of per-host-connection collaborators. The façade
// outlives any single host connection (spec §5's single-host model still
// allows sequential reconnects), so it holds a binding behind a mutex
// instead of the collaborators directly.
type binding struct {
	host     *session.Host
	rendez   *router.Rendezvous
	services *registry.Services
	tags     *tagalloc.Allocator
}

// Server serves the seven façade routes over one Host session at a time.
type Server struct {
	mu sync.RWMutex
	b  binding

	pollTimeout time.Duration
	// OnFrame, if set, is called with every message handed back to a
	// client poller, for the -debug raw-frame dump (SPEC_FULL.md §5).
	OnFrame func(wire.Message)

	discovery *discoveryGate

	httpServer *http.Server
}

// New builds a Server bound to one host connection's collaborators.
// pollTimeout bounds how long GET /get-message parks before responding
// <timeout/>.
func New(host *session.Host, rendez *router.Rendezvous, services *registry.Services, tags *tagalloc.Allocator, pollTimeout time.Duration) *Server {
	s := &Server{
		b:           binding{host: host, rendez: rendez, services: services, tags: tags},
		pollTimeout: pollTimeout,
		discovery:   &discoveryGate{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /enable/{svc}", s.handleEnable)
	mux.HandleFunc("GET /disable/{svc}", s.handleDisable)
	mux.HandleFunc("GET /get-message", s.handleGetMessage)
	mux.HandleFunc("POST /post-command/{svc}", s.handlePostCommandSTP0)
	mux.HandleFunc("POST /post-command/{svc}/{cmdID}/{tag}", s.handlePostCommandSTP1)
	mux.HandleFunc("POST /snapshot", s.handleSnapshot)

	s.httpServer = &http.Server{
		Handler:           withNoCache(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve starts the HTTP server on lis.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Rebind swaps in a fresh set of collaborators for a newly (re)established
// host connection, without tearing down the HTTP server or its listener.
// cmd/stp-proxyd calls this once per accepted host connection: the spec's
// single-host model still allows the host to disconnect and reconnect
// (§5), and parked /get-message or /services requests against the old
// binding should see it torn down, not silently keep talking to a dead
// session.
func (s *Server) Rebind(host *session.Host, rendez *router.Rendezvous, services *registry.Services, tags *tagalloc.Allocator) {
	s.mu.Lock()
	s.b = binding{host: host, rendez: rendez, services: services, tags: tags}
	s.mu.Unlock()

	s.discovery.mu.Lock()
	s.discovery.done = nil
	s.discovery.mu.Unlock()
}

func (s *Server) current() binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b
}

func withNoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(body)
}

// --- /services ---------------------------------------------------------

// discoveryGate makes schema discovery idempotent: the first GET /services
// call while the host speaks STP/1 starts it; every call (including the
// first) waits for it to finish before rendering the catalog, matching
// "completion invokes a continuation that releases the client's parked
// 'get service list' request" (spec §4.8).
type discoveryGate struct {
	mu   sync.Mutex
	done chan struct{}
}

func (s *Server) ensureDiscoveryStarted(b binding) <-chan struct{} {
	s.discovery.mu.Lock()
	defer s.discovery.mu.Unlock()

	if s.discovery.done != nil {
		return s.discovery.done
	}
	done := make(chan struct{})
	s.discovery.done = done

	d := schema.NewDiscoverer(b.host, b.tags, b.services.SetSchema, func() { close(done) })
	go d.Start(b.services.Names())
	return done
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	b := s.current()
	if b.host.Dialect() == session.DialectSTP1 {
		done := s.ensureDiscoveryStarted(b)
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}

	names := b.services.Names()
	var buf bytes.Buffer
	buf.WriteString("<services>")
	for _, name := range names {
		buf.WriteString(`<service name="`)
		_ = xml.EscapeText(&buf, []byte(name))
		buf.WriteString(`"/>`)
	}
	buf.WriteString("</services>")
	writeXML(w, buf.Bytes())
}

// --- /enable/{svc} -------------------------------------------------------

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	svc := r.PathValue("svc")
	b := s.current()

	// "*enable <svc>" is always written as a raw STP/0 text command, even
	// once STP/1 negotiation has begun: enabling the very "stp-*" service
	// that triggers the dialect switch necessarily happens before the
	// switch completes (dragonkeeper's HTTPScopeInterface.enable/
	// set_STP_version ordering).
	if err := b.host.SendText(fmt.Sprintf("*enable %s", svc)); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}

	if err := b.services.Enable(svc); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}
	writeXML(w, []byte("<ok/>"))
}

// --- /disable/{svc} ------------------------------------------------------

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	svc := r.PathValue("svc")
	b := s.current()

	// Symmetric to handleEnable: "*disable <svc>" is forwarded as a raw
	// STP/0 text command, then the registry's enabled bit is cleared
	// (dragonkeeper's HTTPScopeInterface disable handling, §5).
	if err := b.host.SendText(fmt.Sprintf("*disable %s", svc)); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}

	if err := b.services.Disable(svc); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}
	writeXML(w, []byte("<ok/>"))
}

// --- /get-message --------------------------------------------------------

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.pollTimeout)
	defer cancel()

	b := s.current()
	msg, err := b.rendez.NextMessage(ctx)
	switch {
	case err == nil:
		if s.OnFrame != nil {
			s.OnFrame(msg)
		}
		s.renderMessage(w, msg)
	case errors.Is(err, router.ErrTimeout):
		writeXML(w, []byte("<timeout/>"))
	case errors.Is(err, router.ErrConnectionReset):
		writeXML(w, []byte("<connection-reset/>"))
	default:
		writeXML(w, []byte("<bad/>"))
	}
}

// renderMessage writes msg the way §4.9/§8 scenario C/F describe. A
// wire.Message with Type 0 is an STP/0-origin frame (Service/Payload hold
// the decoded command and remainder, see cmd/stp-proxyd's wiring); any
// other Type is a genuine STP/1 message.
func (s *Server) renderMessage(w http.ResponseWriter, msg wire.Message) {
	w.Header().Set("X-Scope-Message-Service", msg.Service)

	payload := msg.Payload
	if len(payload) == 0 {
		// Empty-payload workaround (spec §4.9 scenario F): the client
		// expects a single space, not a zero-length body.
		payload = []byte(" ")
	}
	if msg.Type == 0 {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Scope-Message-Command", strconv.FormatUint(uint64(msg.CommandID), 10))
		w.Header().Set("X-Scope-Message-Status", strconv.FormatUint(uint64(msg.Status), 10))
		w.Header().Set("X-Scope-Message-Tag", strconv.FormatUint(uint64(msg.Tag), 10))
	}
	_, _ = w.Write(payload)
}

// --- /post-command/{svc} (STP/0) -----------------------------------------

func (s *Server) handlePostCommandSTP0(w http.ResponseWriter, r *http.Request) {
	svc := r.PathValue("svc")
	b := s.current()
	if !b.services.IsEnabled(svc) {
		writeXML(w, []byte("<bad/>"))
		return
	}

	body, err := readAll(r)
	if err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}
	if !hasXMLOrSTP1Prelude(body) {
		body = append([]byte(xmlPrelude), body...)
	}

	if err := b.host.SendText(fmt.Sprintf("%s %s", svc, body)); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}
	writeXML(w, []byte("<ok/>"))
}

func hasXMLOrSTP1Prelude(body []byte) bool {
	return bytes.HasPrefix(body, []byte("<?xml")) || bytes.HasPrefix(body, []byte("STP/1"))
}

// --- /post-command/{svc}/{cmdID}/{tag} (STP/1) ---------------------------

func (s *Server) handlePostCommandSTP1(w http.ResponseWriter, r *http.Request) {
	svc := r.PathValue("svc")
	cmdID, err1 := strconv.ParseUint(r.PathValue("cmdID"), 10, 32)
	tag, err2 := strconv.ParseUint(r.PathValue("tag"), 10, 32)
	if err1 != nil || err2 != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}

	body, err := readAll(r)
	if err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}

	msg := wire.Message{
		Type:      wire.MsgCommand,
		Service:   svc,
		CommandID: uint32(cmdID),
		Format:    wire.FormatJSON,
		Tag:       uint32(tag),
		Payload:   body,
	}
	if err := s.current().host.SendSTP1(msg); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}
	writeXML(w, []byte("<ok/>"))
}

// --- /snapshot (opaque, not part of core) --------------------------------

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, err := readAll(r); err != nil {
		writeXML(w, []byte("<bad/>"))
		return
	}
	writeXML(w, []byte("<ok/>"))
}

func readAll(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, fmt.Errorf("httpapi: read body: %w", err)
	}
	return buf.Bytes(), nil
}
