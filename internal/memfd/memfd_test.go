package memfd

import "testing"

func TestWriteThenSealThenMapReadOnly(t *testing.T) {
	o := New(5)
	if err := o.Write(0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := o.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := o.MapReadOnly()
	if err != nil {
		t.Fatalf("MapReadOnly: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("MapReadOnly = %q, want %q", got, "hello")
	}
}

func TestWriteOnSealedFails(t *testing.T) {
	o := New(4)
	if err := o.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Write(0, []byte("x")); err == nil {
		t.Fatalf("expected WRITE_ON_SEALED")
	}
}

func TestMapReadOnlyBeforeSealFails(t *testing.T) {
	o := New(4)
	if _, err := o.MapReadOnly(); err == nil {
		t.Fatalf("expected error mapping a mutable object read-only")
	}
}

func TestUnsealFailsWhenShared(t *testing.T) {
	o := New(4)
	o.Seal()
	o.Ref() // second reference, simulating a recipient holding a MEMFD record

	if err := o.Unseal(); err == nil {
		t.Fatalf("expected UNSEAL_SHARED with two live references")
	}

	o.Release()
	if err := o.Unseal(); err != nil {
		t.Fatalf("Unseal with a single reference should succeed: %v", err)
	}
	if o.Sealed() {
		t.Fatalf("expected object to be mutable again after Unseal")
	}
}

func TestSealIsIdentityOnBytesRoundTrip(t *testing.T) {
	o := New(3)
	payload := []byte{1, 2, 3}
	if err := o.Write(0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := o.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Unseal(); err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	got, err := o.MapReadOnly()
	if err == nil {
		t.Fatalf("expected MapReadOnly to fail once unsealed, got %v", got)
	}
	if err := o.Seal(); err != nil {
		t.Fatalf("re-Seal: %v", err)
	}
	got, err = o.MapReadOnly()
	if err != nil {
		t.Fatalf("MapReadOnly: %v", err)
	}
	for i, b := range payload {
		if got[i] != b {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], b)
		}
	}
}

func TestRefCountTracksReleases(t *testing.T) {
	o := New(1)
	if o.RefCount() != 1 {
		t.Fatalf("expected initial ref count 1, got %d", o.RefCount())
	}
	o.Ref()
	if o.RefCount() != 2 {
		t.Fatalf("expected ref count 2 after Ref, got %d", o.RefCount())
	}
	o.Release()
	if o.RefCount() != 1 {
		t.Fatalf("expected ref count 1 after Release, got %d", o.RefCount())
	}
}
