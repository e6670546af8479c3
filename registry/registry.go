// Package registry tracks the STP service catalog: which services the
// host has advertised, which are enabled, and (once STP/1 schema discovery
// has run) each service's introspected schema (spec §4.7).
package registry

import (
	"log"
	"strings"
	"sync"

	"github.com/kaidoh/stp-proxy/schema"
)

// Record is one entry in the catalog.
type Record struct {
	Name    string
	Enabled bool
	Schema  *schema.Schema
}

// Services is the name -> Record catalog, guarded by a single mutex per
// §5's single-owner-task requirement.
type Services struct {
	mu   sync.Mutex
	svcs map[string]*Record

	// onEnableSTPPrefixed fires when a service whose name begins with
	// "stp-" is enabled, driving the host session's dialect transition
	// (§4.7).
	onEnableSTPPrefixed func(name string)
}

// New returns an empty registry. onEnableSTPPrefixed may be nil.
func New(onEnableSTPPrefixed func(name string)) *Services {
	return &Services{svcs: make(map[string]*Record), onEnableSTPPrefixed: onEnableSTPPrefixed}
}

// SetCatalog replaces the full set of known service names. Its callers
// pass the STP/0 "*services a,b,c" catalog; nothing fills it from an STP/1
// HostInfo reply. Enabled state and schemas for names that persist across
// calls are kept.
func (s *Services) SetCatalog(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*Record, len(names))
	for _, name := range names {
		if existing, ok := s.svcs[name]; ok {
			next[name] = existing
			continue
		}
		next[name] = &Record{Name: name}
	}
	s.svcs = next
}

// Names returns the known service names in no particular order.
func (s *Services) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.svcs))
	for name := range s.svcs {
		names = append(names, name)
	}
	return names
}

// ErrUnknownService is returned by Enable/Disable for a name not in the
// catalog (§4.7, §7 semantic error).
type ErrUnknownService string

func (e ErrUnknownService) Error() string { return "registry: unknown service " + string(e) }

// Enable marks name enabled. Re-enabling an already-enabled service is a
// no-op logged at warn level, not an error (§4.7). Enabling a name that
// begins with "stp-" additionally invokes onEnableSTPPrefixed.
func (s *Services) Enable(name string) error {
	s.mu.Lock()
	rec, ok := s.svcs[name]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownService(name)
	}
	alreadyEnabled := rec.Enabled
	rec.Enabled = true
	s.mu.Unlock()

	if alreadyEnabled {
		log.Printf("registry: warn: service %q is already enabled", name)
		return nil
	}
	if strings.HasPrefix(name, "stp-") && s.onEnableSTPPrefixed != nil {
		s.onEnableSTPPrefixed(name)
	}
	return nil
}

// Disable marks name disabled (the "*disable" path, supplemented from
// original_source/dragonkeeper per SPEC_FULL.md §5).
func (s *Services) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.svcs[name]
	if !ok {
		return ErrUnknownService(name)
	}
	rec.Enabled = false
	return nil
}

// IsEnabled reports whether name is currently enabled.
func (s *Services) IsEnabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.svcs[name]
	return ok && rec.Enabled
}

// SetSchema attaches discovered schema to a known service.
func (s *Services) SetSchema(name string, sc *schema.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.svcs[name]; ok {
		rec.Schema = sc
	}
}

// Schema returns the discovered schema for name, if any.
func (s *Services) Schema(name string) *schema.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.svcs[name]; ok {
		return rec.Schema
	}
	return nil
}

// Reset clears the entire catalog, e.g. on host socket close (§3
// lifecycle: "service list cleared, enabled-set cleared").
func (s *Services) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.svcs = make(map[string]*Record)
}
