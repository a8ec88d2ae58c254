// Package conn implements the per-client connection object: mailbox,
// match-rule set, lifecycle flags, and the credential snapshot taken at
// HELLO. Connection is deliberately a "dumb" data holder. It knows nothing
// about the bus, endpoint, or registry that own it; every multi-connection
// operation (SEND resolution, name acquisition) lives as a method on the
// owning bus, keyed by connection id.
package conn

import (
	"sync"

	"kdbusd/internal/bloom"
	"kdbusd/internal/kderr"
	"kdbusd/internal/pool"
)

// State is the connection lifecycle stage.
type State int

const (
	// StateActive is the only stage at which SEND/RECV/etc. are valid.
	// There is no Unconnected state modeled here: a Connection is only ever
	// constructed once HELLO succeeds, post-handshake; the pre-HELLO file
	// handle is a control.Handle, not a Connection.
	StateActive State = iota
	StateTerminated
)

// Credentials is the owner credential snapshot taken at HELLO.
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
}

// AttachMask selects which credential fields get stamped on inbound
// messages for this connection.
type AttachMask uint64

const (
	AttachUID AttachMask = 1 << iota
	AttachGID
	AttachPID
	AttachCgroup
	AttachExe
	AttachCmdline
	AttachCaps
	AttachSecLabel
)

// MessageKind distinguishes a mailbox entry's delivery path.
type MessageKind int

const (
	KindUnicast MessageKind = iota
	KindBroadcast
	KindSynthetic
)

// MailboxEntry is one queued, undelivered message. Payload bytes for
// single-copy sends live in the connection's Pool at [Offset, Offset+Size);
// MemfdID is set instead for zero-copy sealed-object references.
type MailboxEntry struct {
	Kind        MessageKind
	SrcID       uint64
	SrcCreds    Credentials // sender snapshot, stamped by the router for attach-mask metadata
	MsgID       uint64
	Cookie      uint64
	CookieReply uint64
	PayloadType uint64
	Offset      int
	Size        int
	MemfdID     string // non-empty for a sealed-memory reference, in lieu of Offset/Size
	FDs         []int
	SyntheticOf string // event tag ("name-acquired", "name-lost", "peer-gone", "overflow", "timeout")
	Name        string // affected well-known name, for name-acquired/name-lost entries
	PeerID      uint64 // departed connection id, for a "peer-gone" synthetic entry
}

// MatchRule is one ADD_MATCH install: a generation-tagged
// bloom filter plus an optional sender scope.
type MatchRule struct {
	Cookie       uint64
	Generation   uint64
	Filter       bloom.Filter
	SenderFilter *uint64 // nil = match broadcasts from any sender
}

// Connection is a single client's attachment to an endpoint, post-HELLO.
type Connection struct {
	ID          uint64
	EndpointID  uint64
	Credentials Credentials
	Attach      AttachMask
	Pool        *pool.Pool

	mu           sync.Mutex
	state        State
	mailbox      []MailboxEntry
	notEmpty     *sync.Cond
	rules        map[uint64]*MatchRule
	globalMask   *bloom.Mask
	sendersMasks map[uint64]*bloom.Mask
	maskSize     int
	lossy        bool
	overflowSent bool
}

// New creates an Active connection with a freshly allocated receive pool.
func New(id, endpointID uint64, poolSize, maskSize int, creds Credentials, attach AttachMask) *Connection {
	c := &Connection{
		ID:           id,
		EndpointID:   endpointID,
		Credentials:  creds,
		Attach:       attach,
		Pool:         pool.New(poolSize),
		state:        StateActive,
		rules:        make(map[uint64]*MatchRule),
		globalMask:   bloom.NewMask(maskSize),
		sendersMasks: make(map[uint64]*bloom.Mask),
		maskSize:     maskSize,
	}
	c.notEmpty = sync.NewCond(&c.mu)
	return c
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// requireActiveLocked must be called with c.mu held.
func (c *Connection) requireActiveLocked() error {
	if c.state != StateActive {
		return kderr.ErrDisconnected
	}
	return nil
}

// Terminate transitions the connection to Terminated and wakes any blocked
// RECV so it returns CANCELED.
func (c *Connection) Terminate() {
	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()
	c.notEmpty.Broadcast()
}

// Enqueue appends entry to the mailbox and wakes any blocked RECV. Ordering
// is FIFO overall; per-sender FIFO falls out naturally because the router
// calls Enqueue for one sender's sends in the order it accepted them.
func (c *Connection) Enqueue(entry MailboxEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	c.mailbox = append(c.mailbox, entry)
	c.notEmpty.Signal()
	return nil
}

// EnqueueSynthetic is like Enqueue for kernel-sourced notifications, but a
// failure never surfaces to the caller. Synthetic entries reserve no pool
// space, so Enqueue fails only once the connection is terminated. On such a
// failure the connection is marked lossy and, the first time only, one
// overflow entry is enqueued; a terminated mailbox refuses that entry too.
func (c *Connection) EnqueueSynthetic(entry MailboxEntry) {
	if err := c.Enqueue(entry); err != nil {
		c.mu.Lock()
		c.lossy = true
		alreadySent := c.overflowSent
		c.overflowSent = true
		c.mu.Unlock()
		if !alreadySent {
			_ = c.Enqueue(MailboxEntry{Kind: KindSynthetic, SyntheticOf: "overflow"})
		}
	}
}

// Recv blocks until the mailbox is non-empty or the connection terminates,
// then pops and returns the oldest entry. Entries queued before termination
// are still returned; CANCELED is returned once the connection is terminated
// and its mailbox is empty.
func (c *Connection) Recv() (MailboxEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.mailbox) == 0 && c.state == StateActive {
		c.notEmpty.Wait()
	}
	if len(c.mailbox) == 0 {
		return MailboxEntry{}, kderr.ErrCanceled
	}
	entry := c.mailbox[0]
	c.mailbox = c.mailbox[1:]
	return entry, nil
}

// Lossy reports whether EnqueueSynthetic ever failed to queue a message.
func (c *Connection) Lossy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossy
}

// AddMatch installs a match rule. Per-sender (or global, if SenderFilter is
// nil) generations must be monotone-superset, enforced by the underlying
// bloom.Mask.
func (c *Connection) AddMatch(rule MatchRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}

	mask := c.globalMask
	if rule.SenderFilter != nil {
		m, ok := c.sendersMasks[*rule.SenderFilter]
		if !ok {
			m = bloom.NewMask(c.maskSize)
			c.sendersMasks[*rule.SenderFilter] = m
		}
		mask = m
	}
	if err := mask.Install(rule.Generation, rule.Filter.Bits); err != nil {
		return err
	}
	r := rule
	c.rules[rule.Cookie] = &r
	return nil
}

// RemoveMatch drops a previously installed rule by cookie.
func (c *Connection) RemoveMatch(cookie uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rules[cookie]; !ok {
		return kderr.WithMsg(kderr.ErrNotConnected, "no such match cookie")
	}
	delete(c.rules, cookie)
	return nil
}

// WatchesSender reports whether any installed match rule scopes its sender
// filter to id, used to find observers of a departing connection so the
// bus can deliver them a synthetic peer-gone message.
func (c *Connection) WatchesSender(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rules {
		if r.SenderFilter != nil && *r.SenderFilter == id {
			return true
		}
	}
	return false
}

// MatchesBroadcast reports whether a broadcast from srcID with filter at
// generation gen should be delivered to this connection: it matches if
// either the sender-scoped mask (if any rules were installed for srcID) or
// the global (any-sender) mask admits the filter.
func (c *Connection) MatchesBroadcast(srcID uint64, gen uint64, filter bloom.Filter) bool {
	c.mu.Lock()
	global, scoped := c.globalMask, c.sendersMasks[srcID]
	c.mu.Unlock()

	if ok, _ := global.Match(gen, filter); ok {
		return true
	}
	if scoped != nil {
		if ok, _ := scoped.Match(gen, filter); ok {
			return true
		}
	}
	return false
}
