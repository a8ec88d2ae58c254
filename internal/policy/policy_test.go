package policy

import "testing"

func uidp(v uint32) *uint32 { return &v }

func TestDefaultIsDeny(t *testing.T) {
	p := &Policy{}
	if p.Decide(1000, 1000, Own, "org.foo") {
		t.Fatalf("empty policy must deny")
	}
}

func TestFirstMatchWins(t *testing.T) {
	p := &Policy{Rules: []Rule{
		{Subject: Subject{UID: uidp(1000)}, Verb: Own, Object: "org.foo", Allow: false},
		{Subject: Subject{World: true}, Verb: Own, Object: "org.foo", Allow: true},
	}}
	if p.Decide(1000, 1000, Own, "org.foo") {
		t.Fatalf("uid-specific deny listed first must win over the world allow")
	}
	if !p.Decide(2000, 2000, Own, "org.foo") {
		t.Fatalf("other uids should fall through to the world allow")
	}
}

func TestVerbsAreIndependent(t *testing.T) {
	p := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: TalkTo, Object: "org.foo", Allow: true},
	}}
	if p.Decide(1, 1, Own, "org.foo") {
		t.Fatalf("a TALK_TO allow must not grant OWN")
	}
	if !p.Decide(1, 1, TalkTo, "org.foo") {
		t.Fatalf("TALK_TO should be allowed")
	}
}

func TestWildcardObject(t *testing.T) {
	p := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: Own, Object: "org.example.*", Allow: true},
	}}
	if !p.Decide(1, 1, Own, "org.example.svc") {
		t.Fatalf("org.example.* should match org.example.svc")
	}
	if p.Decide(1, 1, Own, "org.other.svc") {
		t.Fatalf("org.example.* must not match org.other.svc")
	}
	if p.Decide(1, 1, Own, "org.example.a.b") {
		t.Fatalf("wildcard strips only the final label; a.b has two labels under the prefix")
	}
}

func TestUniversalWildcard(t *testing.T) {
	p := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: TalkTo, Object: "*", Allow: true},
	}}
	if !p.Decide(1, 1, TalkTo, "anything.at.all") {
		t.Fatalf("* should match every object")
	}
	if !p.Decide(1, 1, TalkTo, "") {
		t.Fatalf("* should match the empty object too")
	}
}

func TestGIDSubject(t *testing.T) {
	gid := uint32(500)
	p := &Policy{Rules: []Rule{
		{Subject: Subject{GID: &gid}, Verb: See, Object: "org.foo", Allow: true},
	}}
	if !p.Decide(1, 500, See, "org.foo") {
		t.Fatalf("gid 500 should be allowed")
	}
	if p.Decide(1, 501, See, "org.foo") {
		t.Fatalf("gid 501 should be denied")
	}
}

func TestEffectiveOverlayEvaluatedFirst(t *testing.T) {
	base := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: TalkTo, Object: "org.foo", Allow: true},
	}}
	overlay := &Policy{Rules: []Rule{
		{Subject: Subject{UID: uidp(1000)}, Verb: TalkTo, Object: "org.foo", Allow: false},
	}}
	eff := Effective(base, overlay)
	if eff.Decide(1000, 1000, TalkTo, "org.foo") {
		t.Fatalf("overlay deny must narrow the base allow")
	}
	if !eff.Decide(2000, 2000, TalkTo, "org.foo") {
		t.Fatalf("callers not named by the overlay keep the base allow")
	}
}

func TestEffectiveNilOverlayIsTransparent(t *testing.T) {
	base := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: Own, Object: "x", Allow: true},
	}}
	eff := Effective(base, nil)
	if !eff.Decide(1, 1, Own, "x") {
		t.Fatalf("nil overlay must not change a base allow")
	}
	if eff.Decide(1, 1, Own, "y") {
		t.Fatalf("nil overlay must not change a base deny")
	}
}

func TestOverlayCannotWiden(t *testing.T) {
	// The base policy grants nothing for this object; an overlay allow must
	// not be able to grant it either.
	base := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: Own, Object: "org.base", Allow: true},
	}}
	overlay := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: Own, Object: "org.extra", Allow: true},
	}}
	eff := Effective(base, overlay)
	if eff.Decide(1, 1, Own, "org.extra") {
		t.Fatalf("overlay allow widened the base policy")
	}
	if !eff.Decide(1, 1, Own, "org.base") {
		t.Fatalf("base allow must survive an unrelated overlay")
	}
}

func TestOverlayAllowScopesADeny(t *testing.T) {
	// "Only uid 1000 may talk": the overlay's leading allow exempts uid
	// 1000 from its world deny, then defers to the base for the verdict.
	base := &Policy{Rules: []Rule{
		{Subject: Subject{World: true}, Verb: TalkTo, Object: "org.foo", Allow: true},
	}}
	overlay := &Policy{Rules: []Rule{
		{Subject: Subject{UID: uidp(1000)}, Verb: TalkTo, Object: "org.foo", Allow: true},
		{Subject: Subject{World: true}, Verb: TalkTo, Object: "org.foo", Allow: false},
	}}
	eff := Effective(base, overlay)
	if !eff.Decide(1000, 1000, TalkTo, "org.foo") {
		t.Fatalf("uid 1000 should pass the overlay and keep the base allow")
	}
	if eff.Decide(2000, 2000, TalkTo, "org.foo") {
		t.Fatalf("other uids must be narrowed out by the overlay deny")
	}
}
