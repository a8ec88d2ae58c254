package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"kdbusd/internal/kderr"
)

func TestPayloadTypeIsDBusDBus(t *testing.T) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], PayloadType)
	if string(buf[:]) != "DBusDBus" {
		t.Fatalf("PayloadType decodes to %q, want %q", buf[:], "DBusDBus")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Size:        HeaderSize,
		Flags:       FlagExpectReply,
		DstID:       42,
		SrcID:       7,
		PayloadType: PayloadType,
		Cookie:      100,
		CookieReply: 99,
		TimeoutNS:   5_000_000_000,
	}
	got, err := UnmarshalHeader(MarshalHeader(h))
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, h)
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	records := []Record{
		{Kind: RecordBytes, Data: []byte("hi")},
		{Kind: RecordName, Data: []byte("org.example.svc")},
		{Kind: RecordBytes, Data: []byte("payload of odd length 123")},
	}
	frame := Marshal(Header{DstID: 2, SrcID: 1, PayloadType: PayloadType, Cookie: 5}, records)

	h, parsed, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Size != uint64(len(frame)) {
		t.Fatalf("header size %d, frame length %d", h.Size, len(frame))
	}
	if h.DstID != 2 || h.SrcID != 1 || h.Cookie != 5 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if len(parsed) != len(records) {
		t.Fatalf("got %d records, want %d", len(parsed), len(records))
	}
	for i, r := range parsed {
		if r.Kind != records[i].Kind || !bytes.Equal(r.Data, records[i].Data) {
			t.Fatalf("record %d mismatch: %+v vs %+v", i, r, records[i])
		}
	}
}

func TestRecordOffsetsAreAligned(t *testing.T) {
	frame := Marshal(Header{}, []Record{
		{Kind: RecordBytes, Data: []byte("x")},
		{Kind: RecordBytes, Data: []byte("yyy")},
	})
	// Walk the frame the way Parse does and confirm every record starts on
	// an 8-byte boundary.
	off := HeaderSize
	for off < len(frame) {
		if off%8 != 0 {
			t.Fatalf("record offset %d not 8-byte aligned", off)
		}
		size := binary.LittleEndian.Uint64(frame[off : off+8])
		off = (off + 16 + int(size) + 7) &^ 7
	}
}

func TestParseRejectsSizeMismatch(t *testing.T) {
	frame := Marshal(Header{}, nil)
	frame = append(frame, 0) // now one byte longer than declared
	if _, _, err := Parse(frame); !errors.Is(err, kderr.ErrMalformedHeader) {
		t.Fatalf("expected MALFORMED_HEADER, got %v", err)
	}
}

func TestParseRejectsUnknownRecordKind(t *testing.T) {
	frame := Marshal(Header{}, []Record{{Kind: RecordKind(999), Data: nil}})
	if _, _, err := Parse(frame); !errors.Is(err, kderr.ErrUnknownRecord) {
		t.Fatalf("expected UNKNOWN_RECORD, got %v", err)
	}
}

func TestParseRejectsTruncatedRecord(t *testing.T) {
	frame := Marshal(Header{}, []Record{{Kind: RecordBytes, Data: []byte("hello")}})
	// Corrupt the record's declared size so it overruns the frame.
	binary.LittleEndian.PutUint64(frame[HeaderSize:HeaderSize+8], 1<<20)
	binary.LittleEndian.PutUint64(frame[0:8], uint64(len(frame))) // keep the total honest
	if _, _, err := Parse(frame); !errors.Is(err, kderr.ErrMalformedHeader) {
		t.Fatalf("expected MALFORMED_HEADER, got %v", err)
	}
}

func TestBloomRecordRoundTrip(t *testing.T) {
	entry := BloomEntry{Generation: 3, Bits: []byte{0xAA, 0, 0, 0, 0, 0, 0, 0x55}}
	got, err := ParseBloomRecord(MarshalBloomRecord(entry))
	if err != nil {
		t.Fatalf("ParseBloomRecord: %v", err)
	}
	if got.Generation != 3 || !bytes.Equal(got.Bits, entry.Bits) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, entry)
	}
}

func TestBloomRecordRejectsMisalignedBits(t *testing.T) {
	buf := make([]byte, 12+4) // 4-byte bit array: not a multiple of 8
	binary.LittleEndian.PutUint32(buf[8:12], 4)
	if _, err := ParseBloomRecord(buf); !errors.Is(err, kderr.ErrBadAlignment) {
		t.Fatalf("expected BAD_ALIGNMENT, got %v", err)
	}
}

func TestMetadataRecordRoundTrip(t *testing.T) {
	m := Metadata{
		UID:            1000,
		GID:            1000,
		PID:            4242,
		CgroupPath:     "/sys/fs/cgroup/user.slice",
		ExecutablePath: "/usr/bin/svc",
		CommandLine:    []string{"svc", "--flag", "value"},
		TimestampNS:    123456789,
		AuditSessionID: 4,
		AuditLoginUID:  1000,
		SecLabel:       "unconfined",
		Capabilities:   0x3F,
	}
	got, err := ParseMetadataRecord(MarshalMetadataRecord(m))
	if err != nil {
		t.Fatalf("ParseMetadataRecord: %v", err)
	}
	if got.UID != m.UID || got.PID != m.PID || got.CgroupPath != m.CgroupPath ||
		got.SecLabel != m.SecLabel || got.Capabilities != m.Capabilities {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
	if len(got.CommandLine) != 3 || got.CommandLine[1] != "--flag" {
		t.Fatalf("command line mismatch: %v", got.CommandLine)
	}
}

func TestMetadataRecordRejectsTruncation(t *testing.T) {
	data := MarshalMetadataRecord(Metadata{CgroupPath: "/x"})
	if _, err := ParseMetadataRecord(data[:len(data)-3]); err == nil {
		t.Fatalf("expected truncated metadata to fail")
	}
}
