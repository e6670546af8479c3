package schema

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/kaidoh/stp-proxy/session"
	"github.com/kaidoh/stp-proxy/tagalloc"
	"github.com/kaidoh/stp-proxy/wire"
)

// Command numbers on the built-in "scope" service that drive introspection
// (spec §4.8).
const (
	cmdCommandInfo = 7
	cmdHostInfo    = 10
	cmdMessageInfo = 11
	cmdEnumInfo    = 12
)

type serviceState struct {
	commandInfo []byte
	messageInfo []byte
	enumInfo    []byte
	haveEnum    bool
}

// Discoverer drives the HostInfo -> EnumInfo -> CommandInfo -> MessageInfo
// request chain over one host session and resolves the replies into a
// Schema per service, grounded on dragonkeeper's MessageMap (utils.py).
// Every outbound request is tagged through an Allocator so replies route
// back to the right callback without touching the client-facing router
// (spec §4.8 scenario D).
type Discoverer struct {
	host           *session.Host
	tags           *tagalloc.Allocator
	onServiceReady func(service string, sc *Schema)
	onComplete     func()

	mu        sync.Mutex
	wantEnums bool
	pending   map[string]*serviceState
	remaining int
	enumsWant int
	enumsBack int
}

// NewDiscoverer builds a Discoverer. onServiceReady fires once per service
// as its schema resolves; onComplete fires once after every requested
// service has resolved (or been dropped on a failed reply).
func NewDiscoverer(host *session.Host, tags *tagalloc.Allocator, onServiceReady func(string, *Schema), onComplete func()) *Discoverer {
	return &Discoverer{host: host, tags: tags, onServiceReady: onServiceReady, onComplete: onComplete}
}

// Start begins discovery for services, skipping any "core-" or "stp-"
// prefixed name: those are not introspectable services, matching the
// filter in the original's get_host_info.
func (d *Discoverer) Start(services []string) {
	filtered := make([]string, 0, len(services))
	for _, s := range services {
		if strings.HasPrefix(s, "core-") || strings.HasPrefix(s, "stp-") {
			continue
		}
		filtered = append(filtered, s)
	}

	d.mu.Lock()
	d.pending = make(map[string]*serviceState, len(filtered))
	for _, s := range filtered {
		d.pending[s] = &serviceState{}
	}
	d.remaining = len(filtered)
	d.mu.Unlock()

	if len(filtered) == 0 {
		if d.onComplete != nil {
			d.onComplete()
		}
		return
	}

	tag := d.tags.Register(d.handleHostInfo)
	d.send("scope", cmdHostInfo, tag, []byte("[]"))
}

func (d *Discoverer) send(service string, commandID uint32, tag uint32, payload []byte) {
	err := d.host.SendSTP1(wire.Message{
		Type:      wire.MsgCommand,
		Service:   service,
		CommandID: commandID,
		Format:    wire.FormatJSON,
		Tag:       tag,
		Payload:   payload,
	})
	if err != nil {
		log.Printf("schema: send command %d to %s: %v", commandID, service, err)
	}
}

func jsonPayload(v ...any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func (d *Discoverer) handleHostInfo(msg wire.Message) {
	if msg.Status != 0 {
		log.Printf("schema: HostInfo failed with status %d", msg.Status)
		if d.onComplete != nil {
			d.onComplete()
		}
		return
	}
	_, minor, err := scopeVersion(msg.Payload)
	if err != nil {
		log.Printf("schema: %v", err)
		if d.onComplete != nil {
			d.onComplete()
		}
		return
	}

	d.mu.Lock()
	d.wantEnums = minor >= 1
	services := make([]string, 0, len(d.pending))
	for s := range d.pending {
		services = append(services, s)
	}
	wantEnums := d.wantEnums
	if wantEnums {
		d.enumsWant = len(services)
		d.enumsBack = 0
	}
	d.mu.Unlock()

	if wantEnums {
		for _, s := range services {
			s := s
			tag := d.tags.Register(func(m wire.Message) { d.handleEnumInfo(s, m) })
			d.send("scope", cmdEnumInfo, tag, jsonPayload(s, []any{}, 1))
		}
		return
	}
	d.requestCommandInfo(services)
}

func (d *Discoverer) requestCommandInfo(services []string) {
	for _, s := range services {
		s := s
		tag := d.tags.Register(func(m wire.Message) { d.handleCommandInfo(s, m) })
		d.send("scope", cmdCommandInfo, tag, jsonPayload(s))
	}
}

// handleEnumInfo records one service's EnumInfo reply. CommandInfo isn't
// requested per service as each reply lands; it waits for every
// outstanding service to report in, mirroring the original's
// check_enum_map_complete barrier ahead of get_message_map.
func (d *Discoverer) handleEnumInfo(service string, msg wire.Message) {
	if msg.Status != 0 {
		log.Printf("schema: EnumInfo for %s failed with status %d", service, msg.Status)
	}

	d.mu.Lock()
	st, ok := d.pending[service]
	if ok && msg.Status == 0 {
		st.enumInfo = msg.Payload
		st.haveEnum = true
	}
	d.enumsBack++
	var ready []string
	complete := d.enumsBack >= d.enumsWant
	if complete {
		ready = make([]string, 0, len(d.pending))
		for s := range d.pending {
			ready = append(ready, s)
		}
	}
	d.mu.Unlock()

	if complete {
		d.requestCommandInfo(ready)
	}
}

func (d *Discoverer) handleCommandInfo(service string, msg wire.Message) {
	if msg.Status != 0 {
		log.Printf("schema: CommandInfo for %s failed with status %d", service, msg.Status)
		d.mu.Lock()
		delete(d.pending, service)
		d.remaining--
		done := d.remaining <= 0
		d.mu.Unlock()
		if done && d.onComplete != nil {
			d.onComplete()
		}
		return
	}
	d.mu.Lock()
	st, ok := d.pending[service]
	if ok {
		st.commandInfo = msg.Payload
	}
	wantEnums := d.wantEnums
	d.mu.Unlock()
	if !ok {
		return
	}

	var payload []byte
	if wantEnums {
		payload = jsonPayload(service, []any{}, 1, 1, 1, 1)
	} else {
		payload = jsonPayload(service, []any{}, 1, 1)
	}
	tag := d.tags.Register(func(m wire.Message) { d.handleMessageInfo(service, m) })
	d.send("scope", cmdMessageInfo, tag, payload)
}

func (d *Discoverer) handleMessageInfo(service string, msg wire.Message) {
	if msg.Status != 0 {
		log.Printf("schema: MessageInfo for %s failed with status %d", service, msg.Status)
	}

	d.mu.Lock()
	st, ok := d.pending[service]
	var enumPayload []byte
	var commandInfo []byte
	if ok {
		st.messageInfo = msg.Payload
		if st.haveEnum {
			enumPayload = st.enumInfo
		}
		commandInfo = st.commandInfo
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if msg.Status == 0 {
		sc, err := Resolve(service, commandInfo, msg.Payload, enumPayload)
		if err != nil {
			log.Printf("schema: resolve %s: %v", service, err)
		} else if d.onServiceReady != nil {
			d.onServiceReady(service, sc)
		}
	}

	d.mu.Lock()
	delete(d.pending, service)
	d.remaining--
	done := d.remaining <= 0
	d.mu.Unlock()

	if done && d.onComplete != nil {
		d.onComplete()
	}
}
