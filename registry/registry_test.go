package registry_test

import (
	"testing"

	"github.com/kaidoh/stp-proxy/registry"
	"github.com/kaidoh/stp-proxy/schema"
)

func TestSetCatalogThenEnable(t *testing.T) {
	t.Parallel()

	r := registry.New(nil)
	r.SetCatalog([]string{"log", "dom"})

	if r.IsEnabled("log") {
		t.Fatal("expected log to start disabled")
	}
	if err := r.Enable("log"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !r.IsEnabled("log") {
		t.Fatal("expected log to be enabled")
	}
}

func TestEnableUnknownServiceErrors(t *testing.T) {
	t.Parallel()

	r := registry.New(nil)
	r.SetCatalog([]string{"log"})
	if err := r.Enable("nope"); err == nil {
		t.Fatal("expected error for unknown service")
	}
}

func TestReEnableIsNoOpNotError(t *testing.T) {
	t.Parallel()

	r := registry.New(nil)
	r.SetCatalog([]string{"log"})
	if err := r.Enable("log"); err != nil {
		t.Fatal(err)
	}
	if err := r.Enable("log"); err != nil {
		t.Fatalf("re-enable should be a no-op, got error: %v", err)
	}
}

func TestEnablingSTPPrefixedServiceFiresCallback(t *testing.T) {
	t.Parallel()

	var fired string
	r := registry.New(func(name string) { fired = name })
	r.SetCatalog([]string{"stp-debugger", "log"})

	if err := r.Enable("log"); err != nil {
		t.Fatal(err)
	}
	if fired != "" {
		t.Fatalf("callback fired for non-stp- service: %q", fired)
	}

	if err := r.Enable("stp-debugger"); err != nil {
		t.Fatal(err)
	}
	if fired != "stp-debugger" {
		t.Fatalf("callback fired = %q, want stp-debugger", fired)
	}
}

func TestDisable(t *testing.T) {
	t.Parallel()

	r := registry.New(nil)
	r.SetCatalog([]string{"log"})
	_ = r.Enable("log")
	if err := r.Disable("log"); err != nil {
		t.Fatal(err)
	}
	if r.IsEnabled("log") {
		t.Fatal("expected log to be disabled")
	}
}

func TestSetCatalogPreservesEnabledAndSchemaAcrossRefresh(t *testing.T) {
	t.Parallel()

	r := registry.New(nil)
	r.SetCatalog([]string{"log", "dom"})
	_ = r.Enable("log")
	sc := &schema.Schema{}
	r.SetSchema("log", sc)

	r.SetCatalog([]string{"log", "dom", "net"})
	if !r.IsEnabled("log") {
		t.Fatal("expected log to remain enabled across catalog refresh")
	}
	if r.Schema("log") != sc {
		t.Fatal("expected schema to be preserved across catalog refresh")
	}
	if r.IsEnabled("net") {
		t.Fatal("expected newly added service to start disabled")
	}
}

func TestResetClearsCatalog(t *testing.T) {
	t.Parallel()

	r := registry.New(nil)
	r.SetCatalog([]string{"log"})
	_ = r.Enable("log")
	r.Reset()

	if len(r.Names()) != 0 {
		t.Fatalf("names = %v, want empty after Reset", r.Names())
	}
	if err := r.Enable("log"); err == nil {
		t.Fatal("expected unknown-service error after Reset cleared the catalog")
	}
}
