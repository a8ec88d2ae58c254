package kderr

import (
	"errors"
	"testing"
)

func TestErrorMessageFormat(t *testing.T) {
	e := New(Capacity, "POOL_FULL", "")
	if got, want := e.Error(), "CAPACITY: POOL_FULL"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withMsg := WithMsg(e, "12 bytes requested")
	if got, want := withMsg.Error(), "CAPACITY: POOL_FULL: 12 bytes requested"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsMatchesKindAndCodeOnly(t *testing.T) {
	a := WithMsg(ErrPoolFull, "first detail")
	b := WithMsg(ErrPoolFull, "second detail")
	if !errors.Is(a, b) {
		t.Errorf("expected sentinels with same Kind/Code to match via errors.Is")
	}
	if errors.Is(a, ErrNoDest) {
		t.Errorf("did not expect POOL_FULL to match NO_DEST")
	}
}

func TestIsRejectsNonError(t *testing.T) {
	e := ErrPoolFull
	if e.Is(errors.New("plain")) {
		t.Errorf("expected Is to reject a non-*Error target")
	}
}
