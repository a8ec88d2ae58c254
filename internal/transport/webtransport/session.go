package webtransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/webtransport-go"

	"kdbusd/internal/bloom"
	"kdbusd/internal/bus"
	"kdbusd/internal/conn"
	"kdbusd/internal/control"
	"kdbusd/internal/kderr"
	"kdbusd/internal/names"
	"kdbusd/internal/wire"
)

// controlRequest is one newline-delimited JSON command on the control
// stream. The first command of every session must be "hello".
type controlRequest struct {
	Op string `json:"op"`

	// hello
	Domain   []string `json:"domain,omitempty"` // sub-domain path from the root
	Bus      string   `json:"bus,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"` // "" = default endpoint
	PoolSize int      `json:"pool_size,omitempty"`
	UID      uint32   `json:"uid,omitempty"`
	GID      uint32   `json:"gid,omitempty"`
	PID      uint32   `json:"pid,omitempty"`
	Attach   uint64   `json:"attach,omitempty"`

	// request_name / release_name / list
	Name             string `json:"name,omitempty"`
	ReplaceExisting  bool   `json:"replace_existing,omitempty"`
	AllowReplacement bool   `json:"allow_replacement,omitempty"`
	Queue            bool   `json:"queue,omitempty"`
	Filter           string `json:"filter,omitempty"`

	// add_match / remove_match
	Cookie     uint64 `json:"cookie,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Bits       []byte `json:"bits,omitempty"`
	Sender     uint64 `json:"sender,omitempty"` // 0 = match any sender

	// free
	Offset int `json:"offset,omitempty"`
}

type nameEntry struct {
	Name   string   `json:"name"`
	Owner  uint64   `json:"owner"`
	Queued []uint64 `json:"queued,omitempty"`
}

type controlReply struct {
	OK     bool        `json:"ok"`
	Op     string      `json:"op,omitempty"`
	Error  string      `json:"error,omitempty"`
	ConnID uint64      `json:"conn_id,omitempty"`
	Names  []nameEntry `json:"names,omitempty"`
}

// controlEvent is a server-pushed line: synthetic kernel messages and
// asynchronous send failures.
type controlEvent struct {
	Event  string `json:"event"`
	Name   string `json:"name,omitempty"`
	Peer   uint64 `json:"peer,omitempty"`
	Cookie uint64 `json:"cookie,omitempty"`
	Error  string `json:"error,omitempty"`
}

// session is one attached client: a control handle plus the streams that
// carry its traffic.
type session struct {
	srv    *Server
	sess   *webtransport.Session
	handle *control.Handle
	c      *conn.Connection

	ctrlMu sync.Mutex
	ctrl   io.Writer
}

func (s *session) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.srv.log.Warn("control marshal failed", "err", err)
		return
	}
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if _, err := s.ctrl.Write(append(data, '\n')); err != nil {
		s.srv.log.Debug("control write failed", "err", err)
	}
}

func (s *session) replyErr(op string, err error) {
	s.writeJSON(controlReply{OK: false, Op: op, Error: err.Error()})
}

// handleSession manages one WebTransport session from hello to disconnect.
func (s *Server) handleSession(ctx context.Context, wsess *webtransport.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer wsess.CloseWithError(0, "bye")

	stream, err := wsess.AcceptStream(ctx)
	if err != nil {
		s.log.Debug("accept control stream failed", "err", err)
		return
	}

	sn := &session{srv: s, sess: wsess, ctrl: stream}
	reader := bufio.NewReader(stream)

	// The very first command must be a hello.
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var hello controlRequest
	if err := json.Unmarshal(line, &hello); err != nil || hello.Op != "hello" {
		sn.replyErr("hello", kderr.WithMsg(kderr.ErrMalformedHeader, "first command must be hello"))
		return
	}
	if err := sn.doHello(hello); err != nil {
		sn.replyErr("hello", err)
		return
	}
	defer sn.handle.Close()
	sn.writeJSON(controlReply{OK: true, Op: "hello", ConnID: sn.c.ID})
	s.log.Info("session attached", "bus", hello.Bus, "conn", sn.c.ID)

	go sn.acceptSendStreams(ctx)
	go sn.pumpDeliveries(ctx)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Debug("control read error", "conn", sn.c.ID, "err", err)
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			sn.replyErr("", kderr.WithMsg(kderr.ErrMalformedHeader, "bad control line"))
			continue
		}
		if req.Op == "bye" {
			sn.writeJSON(controlReply{OK: true, Op: "bye"})
			return
		}
		sn.dispatch(req)
	}
}

// doHello resolves the target bus and performs the HELLO handshake.
func (s *session) doHello(req controlRequest) error {
	d := s.srv.sys.Root
	for _, name := range req.Domain {
		child, ok := d.Subdomain(name)
		if !ok {
			return kderr.WithMsg(kderr.ErrNoDest, "no such sub-domain: "+name)
		}
		d = child
	}
	b, ok := d.Bus(req.Bus)
	if !ok {
		return kderr.WithMsg(kderr.ErrNoDest, "no such bus: "+req.Bus)
	}

	creds := conn.Credentials{UID: req.UID, GID: req.GID, PID: req.PID}
	h := control.NewEndpointHandle(b)
	var c *conn.Connection
	var err error
	if req.Endpoint == "" || req.Endpoint == bus.DefaultEndpointName {
		c, err = h.Hello(req.PoolSize, conn.AttachMask(req.Attach), creds)
	} else {
		ep, ok := b.EndpointByName(req.Endpoint)
		if !ok {
			return kderr.WithMsg(kderr.ErrNoDest, "no such endpoint: "+req.Endpoint)
		}
		c, err = h.HelloOnEndpoint(ep.ID, req.PoolSize, conn.AttachMask(req.Attach), creds)
	}
	if err != nil {
		return err
	}
	s.handle = h
	s.c = c
	return nil
}

func (s *session) dispatch(req controlRequest) {
	switch req.Op {
	case "hello":
		s.replyErr(req.Op, kderr.ErrHelloTwice)
	case "request_name":
		err := s.handle.RequestName(req.Name, names.AcquireFlags{
			ReplaceExisting:  req.ReplaceExisting,
			AllowReplacement: req.AllowReplacement,
			Queue:            req.Queue,
		})
		s.reply(req.Op, err)
	case "release_name":
		s.reply(req.Op, s.handle.ReleaseName(req.Name))
	case "list":
		infos, err := s.handle.List(req.Filter)
		if err != nil {
			s.replyErr(req.Op, err)
			return
		}
		entries := make([]nameEntry, 0, len(infos))
		for _, info := range infos {
			entries = append(entries, nameEntry{Name: info.Name, Owner: info.Owner, Queued: info.Queued})
		}
		s.writeJSON(controlReply{OK: true, Op: req.Op, Names: entries})
	case "add_match":
		rule := conn.MatchRule{
			Cookie:     req.Cookie,
			Generation: req.Generation,
			Filter:     bloom.Filter{Bits: req.Bits},
		}
		if req.Sender != 0 {
			sender := req.Sender
			rule.SenderFilter = &sender
		}
		s.reply(req.Op, s.handle.AddMatch(rule))
	case "remove_match":
		s.reply(req.Op, s.handle.RemoveMatch(req.Cookie))
	case "free":
		s.reply(req.Op, s.handle.Free(req.Offset))
	default:
		s.replyErr(req.Op, kderr.WithMsg(kderr.ErrUnknownRecord, "unknown op: "+req.Op))
	}
}

func (s *session) reply(op string, err error) {
	if err != nil {
		s.replyErr(op, err)
		return
	}
	s.writeJSON(controlReply{OK: true, Op: op})
}

// acceptSendStreams reads one wire frame per incoming unidirectional stream
// and hands it to the router. Rejections are pushed back as send-error
// events, keyed by the frame's cookie.
func (s *session) acceptSendStreams(ctx context.Context) {
	for {
		rs, err := s.sess.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() {
			buf, err := io.ReadAll(rs)
			if err != nil {
				s.srv.log.Debug("send stream read error", "conn", s.c.ID, "err", err)
				return
			}
			req, cookie, err := decodeSendFrame(buf)
			if err == nil {
				_, err = s.handle.Send(req)
			}
			if err != nil {
				s.writeJSON(controlEvent{Event: "send-error", Cookie: cookie, Error: err.Error()})
			}
		}()
	}
}

// decodeSendFrame parses a bit-exact wire frame into the router's input.
// Sealed-object, vector, and fd records cannot cross the session boundary;
// frames carrying them are rejected as a usage error.
func decodeSendFrame(buf []byte) (bus.SendRequest, uint64, error) {
	h, records, err := wire.Parse(buf)
	if err != nil {
		return bus.SendRequest{}, 0, err
	}
	req := bus.SendRequest{
		DstID:       h.DstID,
		PayloadType: h.PayloadType,
		Cookie:      h.Cookie,
		CookieReply: h.CookieReply,
		TimeoutNS:   h.TimeoutNS,
		ExpectReply: h.Flags&wire.FlagExpectReply != 0,
	}
	for _, r := range records {
		switch r.Kind {
		case wire.RecordBytes:
			req.Bytes = append(req.Bytes, r.Data...)
		case wire.RecordName:
			req.DstName = string(r.Data)
		case wire.RecordBloom:
			e, err := wire.ParseBloomRecord(r.Data)
			if err != nil {
				return bus.SendRequest{}, h.Cookie, err
			}
			req.BloomGeneration = e.Generation
			req.BloomFilter = bloom.Filter{Bits: e.Bits}
		default:
			return bus.SendRequest{}, h.Cookie, kderr.WithMsg(kderr.ErrUnknownRecord,
				fmt.Sprintf("record kind %d cannot cross a transport session", r.Kind))
		}
	}
	return req, h.Cookie, nil
}

// pumpDeliveries drains the connection's mailbox: synthetic kernel messages
// go out as control events, everything else as a wire frame on a fresh
// unidirectional stream.
func (s *session) pumpDeliveries(ctx context.Context) {
	for {
		entry, err := s.handle.Recv()
		if err != nil {
			return // CANCELED once the handle closes
		}
		if entry.Kind == conn.KindSynthetic {
			s.writeJSON(controlEvent{
				Event:  entry.SyntheticOf,
				Name:   entry.Name,
				Peer:   entry.PeerID,
				Cookie: entry.Cookie,
			})
			continue
		}
		frame, err := s.encodeEntry(entry)
		if entry.Size > 0 {
			// The transport acts as the receiver's user-space proxy: the
			// frame now owns the bytes, so the pool slot is returned.
			_ = s.c.Pool.Free(entry.Offset)
		}
		if err != nil {
			s.srv.log.Warn("delivery encode failed", "conn", s.c.ID, "err", err)
			continue
		}
		st, err := s.sess.OpenUniStreamSync(ctx)
		if err != nil {
			return
		}
		if _, err := st.Write(frame); err != nil {
			s.srv.log.Debug("delivery write failed", "conn", s.c.ID, "err", err)
		}
		_ = st.Close()
	}
}

// encodeEntry turns a mailbox entry into a wire frame, applying the
// receiver's metadata-attach mask.
func (s *session) encodeEntry(entry conn.MailboxEntry) ([]byte, error) {
	h := wire.Header{
		DstID:       s.c.ID,
		SrcID:       entry.SrcID,
		PayloadType: entry.PayloadType,
		Cookie:      entry.Cookie,
		CookieReply: entry.CookieReply,
	}
	var records []wire.Record
	if entry.Size > 0 {
		data, err := s.c.Pool.Read(entry.Offset, entry.Size)
		if err != nil {
			return nil, err
		}
		records = append(records, wire.Record{Kind: wire.RecordBytes, Data: data})
	}
	if entry.MemfdID != "" {
		records = append(records, wire.Record{Kind: wire.RecordMemfd, Data: []byte(entry.MemfdID)})
	}
	if s.c.Attach != 0 {
		var md wire.Metadata
		if s.c.Attach&conn.AttachUID != 0 {
			md.UID = entry.SrcCreds.UID
		}
		if s.c.Attach&conn.AttachGID != 0 {
			md.GID = entry.SrcCreds.GID
		}
		if s.c.Attach&conn.AttachPID != 0 {
			md.PID = entry.SrcCreds.PID
		}
		records = append(records, wire.Record{Kind: wire.RecordMetadata, Data: wire.MarshalMetadataRecord(md)})
	}
	return wire.Marshal(h, records), nil
}
