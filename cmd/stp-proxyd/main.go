package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kaidoh/stp-proxy/httpapi"
	"github.com/kaidoh/stp-proxy/pretty"
	"github.com/kaidoh/stp-proxy/registry"
	"github.com/kaidoh/stp-proxy/router"
	"github.com/kaidoh/stp-proxy/session"
	"github.com/kaidoh/stp-proxy/tagalloc"
	"github.com/kaidoh/stp-proxy/wire"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("stp-proxyd", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "stp-proxyd — STP bridge daemon: host listener + HTTP façade\n\nUsage:\n  stp-proxyd [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	hostListen := fs.String("host-listen", "", "host (browser engine) listen address (required)")
	httpListen := fs.String("http-listen", "", "HTTP façade listen address for the debugger client (required)")
	deadline := fs.Duration("deadline", 25*time.Second, "GET /get-message long-poll timeout")
	debug := fs.Bool("debug", false, "log the pretty-printed payload of every frame delivered to a /get-message poller")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("stp-proxyd %s\n", version)
		return
	}

	if *hostListen == "" || *httpListen == "" {
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*hostListen, *httpListen, *deadline, *debug); err != nil {
		log.Fatal(err)
	}
}

func run(hostListen, httpListen string, deadline time.Duration, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lc net.ListenConfig

	hostLis, err := lc.Listen(ctx, "tcp", hostListen)
	if err != nil {
		return fmt.Errorf("listen host %s: %w", hostListen, err)
	}
	defer func() { _ = hostLis.Close() }()

	httpLis, err := lc.Listen(ctx, "tcp", httpListen)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", httpListen, err)
	}
	defer func() { _ = httpLis.Close() }()

	go func() {
		<-ctx.Done()
		_ = hostLis.Close()
	}()

	log.Printf("waiting for host on %s", hostListen)
	conn, err := hostLis.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("accept host: %w", err)
	}
	log.Printf("host connected from %s", conn.RemoteAddr())
	b := newBinding(conn)

	facade := httpapi.New(b.host, b.rendez, b.services, b.tags, deadline)
	if debug {
		facade.OnFrame = func(msg wire.Message) { logFrame(msg) }
	}

	go func() {
		log.Printf("HTTP façade listening on %s", httpListen)
		if err := facade.Serve(httpLis); err != nil {
			log.Printf("http serve: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = facade.Shutdown(shutdownCtx)
	}()

	return acceptHosts(ctx, hostLis, b, facade, debug)
}

// acceptHosts serves one host connection at a time (spec §1's single-host
// model: no multi-host fan-out, but a host is free to disconnect and
// reconnect). first is the already-accepted, already-bound connection;
// every connection after it gets a fresh registry/router/tagalloc bundle
// rebound into the long-lived HTTP façade.
func acceptHosts(ctx context.Context, lis net.Listener, first *binding, facade *httpapi.Server, debug bool) error {
	b := first
	for {
		if err := b.host.Run(); err != nil {
			log.Printf("host session ended: %v", err)
		} else {
			log.Printf("host disconnected")
		}

		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept host: %w", err)
		}
		log.Printf("host connected from %s", conn.RemoteAddr())

		b = newBinding(conn)
		facade.Rebind(b.host, b.rendez, b.services, b.tags)
		if debug {
			facade.OnFrame = func(msg wire.Message) { logFrame(msg) }
		}
	}
}

// binding is the per-host-connection set of collaborators that
// cmd/stp-proxyd owns and wires into the HTTP façade.
type binding struct {
	host     *session.Host
	rendez   *router.Rendezvous
	services *registry.Services
	tags     *tagalloc.Allocator
}

func newBinding(conn net.Conn) *binding {
	b := &binding{
		rendez: router.New(),
		tags:   tagalloc.New(),
	}
	b.services = registry.New(func(name string) { b.host.ExpectSTP1Sentinel() })

	handlers := session.Handlers{
		OnSTP0: func(f wire.STP0Frame) { b.handleSTP0(f) },
		OnSTP1: func(m wire.Message) {
			if b.tags.Dispatch(m) {
				return
			}
			b.rendez.Deliver(m)
		},
		OnDialectChange: func(d session.Dialect) {
			log.Printf("dialect -> %s", d)
		},
		OnClose: func(err error) {
			if err != nil {
				log.Printf("host connection reset: %v", err)
			}
			b.rendez.Reset()
			b.tags.Reset()
			b.services.Reset()
		},
	}

	b.host = session.NewHost(conn, handlers)
	return b
}

// handleSTP0 dispatches one decoded STP/0 frame. "*services" refreshes the
// catalog (comma-separated names, §4.7); "*hostquit" is the host-initiated
// quit the original distinguishes from a client-requested one (§5) — it is
// followed by the host closing its socket, which Host.Run already turns
// into a clean OnClose(nil). Everything else is routed to whichever client
// poller is waiting.
func (b *binding) handleSTP0(f wire.STP0Frame) {
	switch f.Command {
	case "*services":
		b.services.SetCatalog(splitServiceNames(f.Rest))
	case "*hostquit":
		log.Printf("host requested quit")
	default:
		b.rendez.Deliver(wire.Message{Service: f.Command, Payload: []byte(f.Rest)})
	}
}

func splitServiceNames(rest string) []string {
	if rest == "" {
		return nil
	}
	return strings.Split(rest, ",")
}

func logFrame(msg wire.Message) {
	if msg.Type == 0 {
		log.Printf("frame service=%s payload=%s", msg.Service, pretty.XML(string(msg.Payload)))
		return
	}
	log.Printf("frame service=%s cmd=%d tag=%d payload=%s", msg.Service, msg.CommandID, msg.Tag, pretty.JSON(string(msg.Payload)))
}
