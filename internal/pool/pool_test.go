package pool

import "testing"

func TestReserveCommitRead(t *testing.T) {
	p := New(64)
	off, err := p.Reserve(5)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := p.Commit(off, []byte("hello")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := p.Read(off, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
}

func TestReserveFailsWhenOverCapacity(t *testing.T) {
	p := New(8)
	if _, err := p.Reserve(9); err == nil {
		t.Fatalf("expected POOL_FULL for a reservation larger than capacity")
	}
}

func TestReserveFailsWhenBacklogExceedsCapacity(t *testing.T) {
	// A 4 KiB pool fills exactly after eight 512-byte reservations; the
	// ninth fails POOL_FULL until the backlog drains.
	p := New(4096)
	var offsets []int
	for i := 0; i < 8; i++ {
		off, err := p.Reserve(512)
		if err != nil {
			t.Fatalf("Reserve #%d: %v", i, err)
		}
		offsets = append(offsets, off)
	}
	if _, err := p.Reserve(512); err == nil {
		t.Fatalf("expected 9th reservation of a full pool to fail with POOL_FULL")
	}
	if err := p.Free(offsets[0]); err != nil {
		t.Fatalf("Free: %v", err)
	}
	// Draining is required for space to come back since Pool never wraps
	// mid-backlog — only emptying the pool resets the tail.
	for _, off := range offsets[1:] {
		if err := p.Free(off); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if _, err := p.Reserve(512); err != nil {
		t.Fatalf("Reserve after full drain should succeed, got %v", err)
	}
}

func TestFreeOfUnreservedOffsetFails(t *testing.T) {
	p := New(64)
	if err := p.Free(7); err == nil {
		t.Fatalf("expected Free of an unreserved offset to fail")
	}
}

func TestCommitExceedingReservedSizeFails(t *testing.T) {
	p := New(64)
	off, _ := p.Reserve(4)
	if err := p.Commit(off, []byte("toolong")); err == nil {
		t.Fatalf("expected Commit exceeding reserved size to fail")
	}
}

func TestTailResetsOnceFullyDrained(t *testing.T) {
	p := New(16)
	off1, _ := p.Reserve(16)
	if err := p.Free(off1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	off2, err := p.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve after drain: %v", err)
	}
	if off2 != 0 {
		t.Fatalf("expected tail reset to 0, got offset %d", off2)
	}
}
