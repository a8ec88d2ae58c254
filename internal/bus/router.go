package bus

import (
	"sync"
	"time"

	"kdbusd/internal/bloom"
	"kdbusd/internal/conn"
	"kdbusd/internal/endpoint"
	"kdbusd/internal/kderr"
	"kdbusd/internal/memfd"
	"kdbusd/internal/policy"
	"kdbusd/internal/wire"
)

// maxFDsPerSend mirrors the usual SCM_RIGHTS ancillary-data ceiling; beyond
// it a send fails FD_TABLE_FULL rather than attempting a partial duplication.
const maxFDsPerSend = 253

// fanoutPool recycles the recipient-snapshot slice used during broadcast.
var fanoutPool = sync.Pool{
	New: func() any { s := make([]*conn.Connection, 0, 64); return &s },
}

// SendRequest is the router's input for one SEND.
type SendRequest struct {
	DstID       uint64 // wire.DestResolveByName, wire.DestBroadcast, or a direct connection id
	DstName     string // required when DstID == wire.DestResolveByName
	PayloadType uint64
	Cookie      uint64
	CookieReply uint64
	TimeoutNS   uint64
	ExpectReply bool

	Bytes []byte        // inline bytes record, copied once into the receiver pool
	Memfd *memfd.Object // sealed-object reference; must already be sealed
	FDs   []int

	BloomGeneration uint64       // broadcast only
	BloomFilter     bloom.Filter // broadcast only
}

// Send implements the routing pipeline: validate, stamp, resolve, policy-check,
// materialize, enqueue. srcConnID is the sending connection's id, or
// wire.SrcKernel for core-synthesized sends.
func (b *Bus) Send(srcConnID uint64, req SendRequest) (uint64, error) {
	if req.DstID == wire.DestResolveByName && req.DstName == "" {
		return 0, kderr.WithMsg(kderr.ErrMalformedHeader, "dst id 0 requires a name record")
	}
	if len(req.FDs) > maxFDsPerSend {
		return 0, kderr.ErrFDTableFull
	}
	if req.Memfd != nil && !req.Memfd.Sealed() {
		return 0, kderr.WithMsg(kderr.ErrWriteOnSealed, "only sealed objects may be referenced by a send")
	}

	srcCreds, haveSrc := b.credsOf(srcConnID)

	if req.CookieReply != 0 {
		if orphan := b.checkReply(req.CookieReply, srcConnID); orphan {
			return 0, kderr.ErrReplyOrphan
		}
	}

	msgID := b.nextMsgID()

	if req.DstID == wire.DestBroadcast {
		b.broadcast(srcConnID, msgID, req)
		return msgID, nil
	}

	dstID, err := b.resolveDest(req.DstID, req.DstName)
	if err != nil {
		return 0, err
	}

	dst, ep, err := b.connAndEndpoint(dstID)
	if err != nil {
		return 0, err
	}

	if haveSrc {
		object := req.DstName
		pol := b.effectivePolicy(ep)
		if !pol.Decide(srcCreds.UID, srcCreds.GID, policy.TalkTo, object) {
			b.denied(policy.TalkTo, object, srcCreds.UID, srcCreds.GID)
			return 0, kderr.ErrPolicyDenied
		}
	}

	entry, err := b.materialize(conn.KindUnicast, srcConnID, msgID, req, dst)
	if err != nil {
		return 0, err
	}
	entry.SrcCreds = srcCreds
	if err := dst.Enqueue(entry); err != nil {
		return 0, err
	}
	if b.hooks.OnRouted != nil {
		b.hooks.OnRouted("unicast")
	}

	if req.ExpectReply && req.Cookie != 0 {
		b.registerPending(req.Cookie, srcConnID, dstID)
		if req.TimeoutNS > 0 {
			b.armTimeout(req.Cookie, srcConnID, time.Duration(req.TimeoutNS))
		}
	}
	return msgID, nil
}

func (b *Bus) credsOf(connID uint64) (conn.Credentials, bool) {
	c, ok := b.Connection(connID)
	if !ok {
		return conn.Credentials{}, false
	}
	return c.Credentials, true
}

// resolveDest implements step (c): id lookup, name lookup (with wildcards),
// or pass-through for a direct id.
func (b *Bus) resolveDest(dstID uint64, dstName string) (uint64, error) {
	if dstID == wire.DestResolveByName {
		id, ok := b.Names.Lookup(dstName)
		if !ok {
			return 0, kderr.ErrNameNotFound
		}
		return id, nil
	}
	if _, ok := b.Connection(dstID); !ok {
		return 0, kderr.ErrNoDest
	}
	return dstID, nil
}

// materialize implements step (e): inline bytes are copied once into the
// destination pool, a sealed memfd is referenced (not copied), and fds are
// recorded for the caller's transport layer to duplicate.
func (b *Bus) materialize(kind conn.MessageKind, srcConnID, msgID uint64, req SendRequest, dst *conn.Connection) (conn.MailboxEntry, error) {
	entry := conn.MailboxEntry{
		Kind:        kind,
		SrcID:       srcConnID,
		MsgID:       msgID,
		Cookie:      req.Cookie,
		CookieReply: req.CookieReply,
		PayloadType: req.PayloadType,
	}
	if len(req.Bytes) > 0 {
		offset, err := dst.Pool.Reserve(len(req.Bytes))
		if err != nil {
			return conn.MailboxEntry{}, err
		}
		if err := dst.Pool.Commit(offset, req.Bytes); err != nil {
			return conn.MailboxEntry{}, err
		}
		entry.Offset = offset
		entry.Size = len(req.Bytes)
	}
	if req.Memfd != nil {
		req.Memfd.Ref()
		entry.MemfdID = req.Memfd.ID().String()
	}
	if len(req.FDs) > 0 {
		fds := make([]int, len(req.FDs))
		copy(fds, req.FDs)
		entry.FDs = fds
	}
	return entry, nil
}

// broadcast implements the fan-out path: snapshot
// the recipient list under the bus read lock, release it, then engage each
// recipient independently so no lock is held across delivery.
func (b *Bus) broadcast(srcConnID, msgID uint64, req SendRequest) {
	srcCreds, haveSrc := b.credsOf(srcConnID)

	b.mu.RLock()
	sp := fanoutPool.Get().(*[]*conn.Connection)
	targets := (*sp)[:0]
	for _, c := range b.connections {
		if !c.MatchesBroadcast(srcConnID, req.BloomGeneration, req.BloomFilter) {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, dst := range targets {
		if haveSrc {
			ep, ok := b.Endpoint(dst.EndpointID)
			if !ok {
				continue
			}
			if !b.admitsBroadcast(srcCreds, ep) {
				continue
			}
		}
		entry, err := b.materialize(conn.KindBroadcast, srcConnID, msgID, req, dst)
		if err != nil {
			// Broadcast failures are recorded on the recipient, never
			// reported back to the sender.
			dst.EnqueueSynthetic(conn.MailboxEntry{Kind: conn.KindSynthetic, SyntheticOf: "overflow"})
			continue
		}
		entry.SrcCreds = srcCreds
		if dst.Enqueue(entry) == nil {
			delivered++
		}
	}
	if b.hooks.OnRouted != nil {
		b.hooks.OnRouted("broadcast")
	}
	if b.hooks.OnFanout != nil {
		b.hooks.OnFanout(delivered)
	}

	*sp = targets // preserve grown backing array for reuse
	fanoutPool.Put(sp)
}

// admitsBroadcast applies TALK_TO and, for custom endpoints only, SEE:
// a non-default endpoint's policy must allow the sender to
// see and talk to connections opened through it before fan-out delivers. On
// the default endpoint SEE is granted universally, so only TALK_TO applies.
func (b *Bus) admitsBroadcast(srcCreds conn.Credentials, dstEP *endpoint.Endpoint) bool {
	pol := b.effectivePolicy(dstEP)
	if !dstEP.IsDefault() {
		if !pol.Decide(srcCreds.UID, srcCreds.GID, policy.See, "") {
			return false
		}
	}
	return pol.Decide(srcCreds.UID, srcCreds.GID, policy.TalkTo, "")
}

func (b *Bus) registerPending(cookie, senderConnID, dstConnID uint64) {
	b.replyMu.Lock()
	defer b.replyMu.Unlock()
	b.pending[cookie] = pendingReply{senderConnID: senderConnID, dstConnID: dstConnID}
}

// checkReply validates a reply's cookie_reply against the pending-reply
// table and consumes the entry on a match. replierConnID is the connection
// sending this reply, which must be the one originally addressed by the
// pending request. It returns true if the reply is orphaned.
func (b *Bus) checkReply(cookieReply, replierConnID uint64) bool {
	b.replyMu.Lock()
	defer b.replyMu.Unlock()
	p, ok := b.pending[cookieReply]
	if !ok || p.dstConnID != replierConnID {
		return true
	}
	delete(b.pending, cookieReply)
	return false
}

func (b *Bus) armTimeout(cookie, senderConnID uint64, d time.Duration) {
	time.AfterFunc(d, func() {
		b.replyMu.Lock()
		_, stillPending := b.pending[cookie]
		if stillPending {
			delete(b.pending, cookie)
		}
		b.replyMu.Unlock()
		if !stillPending {
			return
		}
		c, ok := b.Connection(senderConnID)
		if !ok {
			return
		}
		c.EnqueueSynthetic(conn.MailboxEntry{
			Kind:        conn.KindSynthetic,
			SyntheticOf: "timeout",
			Cookie:      cookie,
			MsgID:       b.nextMsgID(),
		})
	})
}
