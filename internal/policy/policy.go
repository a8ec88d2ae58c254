// Package policy implements the allow/deny decision engine: an ordered
// rule list evaluated first-match-wins with a default-deny
// fallback, plus the endpoint-overlay-may-only-narrow composition rule.
package policy

import "strings"

// Verb is the action a Rule grants or denies.
type Verb int

const (
	// Own governs REQUEST_NAME / name acquisition.
	Own Verb = iota
	// TalkTo governs sending. The router checks it against the destination
	// name for name-addressed sends and against the empty object for
	// id-addressed sends; the names the destination owns are not consulted.
	TalkTo
	// See governs whether a broadcast reaches a connection opened on a custom
	// (non-default) endpoint. NAME_LIST does not consult it.
	See
)

// Subject identifies who a Rule applies to. World true matches every caller;
// otherwise a non-nil UID or GID matches that uid or gid. The zero value
// (World false, both pointers nil) matches no caller.
type Subject struct {
	World bool
	UID   *uint32
	GID   *uint32
}

// Matches reports whether s applies to the given caller credentials.
func (s Subject) Matches(uid, gid uint32) bool {
	if s.World {
		return true
	}
	if s.UID != nil && *s.UID == uid {
		return true
	}
	if s.GID != nil && *s.GID == gid {
		return true
	}
	return false
}

// Rule is one entry in a Policy's ordered list.
type Rule struct {
	Subject Subject
	Verb    Verb
	Object  string // name or wildcard ("a.b.*")
	Allow   bool
}

func objectMatches(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		idx := strings.LastIndexByte(name, '.')
		if idx < 0 {
			return false
		}
		return name[:idx+1] == prefix
	}
	return false
}

// Policy is an ordered list of rules, evaluated first-match-wins.
type Policy struct {
	Rules []Rule
}

// match returns the first matching rule's verdict and whether any rule
// matched at all. A nil policy matches nothing.
func (p *Policy) match(uid, gid uint32, verb Verb, object string) (allow, matched bool) {
	if p == nil {
		return false, false
	}
	for _, r := range p.Rules {
		if r.Verb != verb {
			continue
		}
		if !r.Subject.Matches(uid, gid) {
			continue
		}
		if !objectMatches(r.Object, object) {
			continue
		}
		return r.Allow, true
	}
	return false, false
}

// Decide evaluates the policy for (uid, gid, verb, object). Default is deny.
func (p *Policy) Decide(uid, gid uint32, verb Verb, object string) bool {
	allow, matched := p.match(uid, gid, verb, object)
	return matched && allow
}

// Combined is a bus-level policy narrowed by an endpoint overlay.
type Combined struct {
	base    *Policy
	overlay *Policy
}

// Effective composes bus-level policy with an endpoint overlay. The overlay
// may only narrow, enforced at evaluation: a matching overlay deny is
// final, a matching overlay allow merely defers to the base, and an overlay
// with no matching rule is transparent. An overlay therefore never grants
// what the base denies.
func Effective(base, overlay *Policy) Combined {
	return Combined{base: base, overlay: overlay}
}

// Decide evaluates the narrowed policy for (uid, gid, verb, object).
func (c Combined) Decide(uid, gid uint32, verb Verb, object string) bool {
	if allow, matched := c.overlay.match(uid, gid, verb, object); matched && !allow {
		return false
	}
	return c.base.Decide(uid, gid, verb, object)
}
