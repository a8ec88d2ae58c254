package domain

import (
	"errors"
	"testing"

	"kdbusd/internal/conn"
	"kdbusd/internal/kderr"
)

func connCreds() conn.Credentials {
	return conn.Credentials{UID: 1000, GID: 1000, PID: 1}
}

func TestMakeBusAndLookup(t *testing.T) {
	d := NewRoot(nil)
	b, err := d.MakeBus("system", 0, nil)
	if err != nil {
		t.Fatalf("MakeBus: %v", err)
	}
	got, ok := d.Bus("system")
	if !ok || got != b {
		t.Fatalf("Bus lookup failed")
	}
	if _, err := d.MakeBus("system", 0, nil); !errors.Is(err, kderr.ErrNameTaken) {
		t.Fatalf("expected NAME_TAKEN for duplicate bus, got %v", err)
	}
}

func TestMakeDomainSiblingsAreIsolated(t *testing.T) {
	root := NewRoot(nil)
	a, err := root.MakeDomain("a")
	if err != nil {
		t.Fatalf("MakeDomain a: %v", err)
	}
	if _, err := root.MakeDomain("b"); err != nil {
		t.Fatalf("MakeDomain b: %v", err)
	}

	if _, err := a.MakeBus("inner", 0, nil); err != nil {
		t.Fatalf("MakeBus in sub-domain: %v", err)
	}
	if _, ok := root.Bus("inner"); ok {
		t.Fatalf("a sub-domain's bus must not be visible from the parent")
	}
	b, _ := root.Subdomain("b")
	if _, ok := b.Bus("inner"); ok {
		t.Fatalf("siblings must be mutually invisible")
	}
}

func TestDisconnectCascades(t *testing.T) {
	root := NewRoot(nil)
	child, _ := root.MakeDomain("child")
	b, _ := child.MakeBus("inner", 0, nil)

	c, err := b.Hello(b.DefaultEndpoint().ID, 4096, 0, connCreds())
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}

	root.Disconnect()

	if _, ok := root.Subdomain("child"); ok {
		t.Fatalf("child domain should be gone after cascade")
	}
	if _, ok := b.Connection(c.ID); ok {
		t.Fatalf("connections must be terminated by the cascade")
	}
	if _, err := child.MakeBus("late", 0, nil); !errors.Is(err, kderr.ErrDisconnected) {
		t.Fatalf("expected DISCONNECTED from a dead domain, got %v", err)
	}
}

func TestCountsAggregateOverDescendants(t *testing.T) {
	root := NewRoot(nil)
	child, _ := root.MakeDomain("child")
	b1, _ := root.MakeBus("top", 0, nil)
	b2, _ := child.MakeBus("inner", 0, nil)

	if _, err := b1.Hello(b1.DefaultEndpoint().ID, 4096, 0, connCreds()); err != nil {
		t.Fatalf("Hello b1: %v", err)
	}
	if _, err := b2.Hello(b2.DefaultEndpoint().ID, 4096, 0, connCreds()); err != nil {
		t.Fatalf("Hello b2: %v", err)
	}

	if got := root.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount = %d, want 2", got)
	}
}
