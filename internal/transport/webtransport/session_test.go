package webtransport

import (
	"bytes"
	"errors"
	"testing"

	"kdbusd/internal/conn"
	"kdbusd/internal/kderr"
	"kdbusd/internal/wire"
)

func TestDecodeSendFrame(t *testing.T) {
	frame := wire.Marshal(wire.Header{
		DstID:       0,
		PayloadType: wire.PayloadType,
		Cookie:      5,
		Flags:       wire.FlagExpectReply,
		TimeoutNS:   1000,
	}, []wire.Record{
		{Kind: wire.RecordName, Data: []byte("org.example.svc")},
		{Kind: wire.RecordBytes, Data: []byte("payload")},
	})

	req, cookie, err := decodeSendFrame(frame)
	if err != nil {
		t.Fatalf("decodeSendFrame: %v", err)
	}
	if cookie != 5 || req.Cookie != 5 {
		t.Fatalf("cookie = %d, want 5", cookie)
	}
	if req.DstName != "org.example.svc" {
		t.Fatalf("dst name = %q", req.DstName)
	}
	if string(req.Bytes) != "payload" {
		t.Fatalf("bytes = %q", req.Bytes)
	}
	if !req.ExpectReply || req.TimeoutNS != 1000 {
		t.Fatalf("header fields not carried: %+v", req)
	}
}

func TestDecodeSendFrameRejectsFDRecords(t *testing.T) {
	frame := wire.Marshal(wire.Header{}, []wire.Record{
		{Kind: wire.RecordFD, Data: []byte{1, 2, 3, 4}},
	})
	if _, _, err := decodeSendFrame(frame); !errors.Is(err, kderr.ErrUnknownRecord) {
		t.Fatalf("expected fd records to be rejected at the session boundary, got %v", err)
	}
}

func TestDecodeSendFrameBloomRecord(t *testing.T) {
	bits := []byte{0x08, 0, 0, 0, 0, 0, 0, 0}
	frame := wire.Marshal(wire.Header{DstID: wire.DestBroadcast}, []wire.Record{
		{Kind: wire.RecordBloom, Data: wire.MarshalBloomRecord(wire.BloomEntry{Generation: 2, Bits: bits})},
	})
	req, _, err := decodeSendFrame(frame)
	if err != nil {
		t.Fatalf("decodeSendFrame: %v", err)
	}
	if req.BloomGeneration != 2 || !bytes.Equal(req.BloomFilter.Bits, bits) {
		t.Fatalf("bloom not carried: %+v", req)
	}
}

func TestEncodeEntryAppliesAttachMask(t *testing.T) {
	c := conn.New(3, 1, 4096, 8, conn.Credentials{UID: 9, GID: 9}, conn.AttachUID|conn.AttachPID)
	off, err := c.Pool.Reserve(2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := c.Pool.Commit(off, []byte("hi")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sn := &session{c: c}
	frame, err := sn.encodeEntry(conn.MailboxEntry{
		SrcID:    1,
		Offset:   off,
		Size:     2,
		Cookie:   7,
		SrcCreds: conn.Credentials{UID: 1000, GID: 1000, PID: 42},
	})
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}

	h, records, err := wire.Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.DstID != 3 || h.SrcID != 1 || h.Cookie != 7 {
		t.Fatalf("unexpected header %+v", h)
	}
	if len(records) != 2 || records[0].Kind != wire.RecordBytes || records[1].Kind != wire.RecordMetadata {
		t.Fatalf("unexpected records %+v", records)
	}
	if string(records[0].Data) != "hi" {
		t.Fatalf("payload = %q", records[0].Data)
	}
	md, err := wire.ParseMetadataRecord(records[1].Data)
	if err != nil {
		t.Fatalf("ParseMetadataRecord: %v", err)
	}
	// UID and PID are attached per the mask; GID is masked out.
	if md.UID != 1000 || md.PID != 42 || md.GID != 0 {
		t.Fatalf("attach mask not applied: %+v", md)
	}
}

func TestEncodeEntryWithoutAttachSkipsMetadata(t *testing.T) {
	c := conn.New(3, 1, 4096, 8, conn.Credentials{}, 0)
	sn := &session{c: c}
	frame, err := sn.encodeEntry(conn.MailboxEntry{SrcID: 1, MemfdID: "abc"})
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}
	_, records, err := wire.Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(records) != 1 || records[0].Kind != wire.RecordMemfd || string(records[0].Data) != "abc" {
		t.Fatalf("unexpected records %+v", records)
	}
}
