// Package wire implements the bit-exact message framing: a fixed-size
// header followed by an 8-byte-aligned sequence of typed, length-prefixed
// records.
package wire

import (
	"encoding/binary"

	"kdbusd/internal/kderr"
)

// HeaderSize is the on-wire size of Header in bytes (8 uint64 fields).
const HeaderSize = 8 * 8

// Reserved destination/source ids.
const (
	DestResolveByName uint64 = 0
	DestBroadcast     uint64 = ^uint64(0)
	SrcKernel         uint64 = 0
)

// Header flag bits.
const (
	// FlagExpectReply marks a method-call-style send whose sender wants a
	// reply matched by cookie, subject to the header's timeout_ns.
	FlagExpectReply uint64 = 1 << 0
)

// payloadTypeBytes is the ASCII constant "DBusDBus" interpreted as a
// little-endian u64 on the wire. Computed once rather than hand-derived so
// the magic number can never be transcribed wrong.
var payloadTypeBytes = [8]byte{'D', 'B', 'u', 's', 'D', 'B', 'u', 's'}

// PayloadType is the wire tag stamped on every frame's payload_type field.
var PayloadType = binary.LittleEndian.Uint64(payloadTypeBytes[:])

// Header is the fixed 64-byte frame header.
type Header struct {
	Size        uint64
	Flags       uint64
	DstID       uint64
	SrcID       uint64
	PayloadType uint64
	Cookie      uint64
	CookieReply uint64
	TimeoutNS   uint64
}

// RecordKind tags the type of a single record.
type RecordKind uint64

const (
	RecordBytes RecordKind = iota + 1
	RecordVector
	RecordMemfd
	RecordFD
	RecordName
	RecordBloom
	RecordMetadata
)

// Record is one length-prefixed, 8-byte-padded entry in a message body.
type Record struct {
	Kind RecordKind
	Data []byte
}

// padded8 rounds n up to the next multiple of 8.
func padded8(n int) int {
	return (n + 7) &^ 7
}

// MarshalHeader writes a Header in wire byte order (little-endian).
func MarshalHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.DstID)
	binary.LittleEndian.PutUint64(buf[24:32], h.SrcID)
	binary.LittleEndian.PutUint64(buf[32:40], h.PayloadType)
	binary.LittleEndian.PutUint64(buf[40:48], h.Cookie)
	binary.LittleEndian.PutUint64(buf[48:56], h.CookieReply)
	binary.LittleEndian.PutUint64(buf[56:64], h.TimeoutNS)
	return buf
}

// UnmarshalHeader parses a Header from its wire form.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, kderr.WithMsg(kderr.ErrMalformedHeader, "short header")
	}
	return Header{
		Size:        binary.LittleEndian.Uint64(buf[0:8]),
		Flags:       binary.LittleEndian.Uint64(buf[8:16]),
		DstID:       binary.LittleEndian.Uint64(buf[16:24]),
		SrcID:       binary.LittleEndian.Uint64(buf[24:32]),
		PayloadType: binary.LittleEndian.Uint64(buf[32:40]),
		Cookie:      binary.LittleEndian.Uint64(buf[40:48]),
		CookieReply: binary.LittleEndian.Uint64(buf[48:56]),
		TimeoutNS:   binary.LittleEndian.Uint64(buf[56:64]),
	}, nil
}

// marshalRecord encodes one record as `u64 size | u64 type | bytes...`
// padded to the next multiple of 8. size excludes the padding.
func marshalRecord(r Record) []byte {
	head := make([]byte, 16)
	binary.LittleEndian.PutUint64(head[0:8], uint64(len(r.Data)))
	binary.LittleEndian.PutUint64(head[8:16], uint64(r.Kind))

	total := 16 + len(r.Data)
	padded := padded8(total)
	out := make([]byte, padded)
	copy(out, head)
	copy(out[16:], r.Data)
	return out
}

// Marshal encodes a header and its records into one contiguous frame,
// setting Header.Size to the true total so the caller never has to.
func Marshal(h Header, records []Record) []byte {
	var body []byte
	for _, r := range records {
		body = append(body, marshalRecord(r)...)
	}
	h.Size = uint64(HeaderSize + len(body))
	out := MarshalHeader(h)
	out = append(out, body...)
	return out
}

// Parse validates framing and splits a wire frame into its Header and
// Records. It enforces: declared size matches buffer length, every record
// offset is 8-byte aligned, and every record's declared size fits within
// the remaining buffer.
func Parse(buf []byte) (Header, []Record, error) {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Size != uint64(len(buf)) {
		return Header{}, nil, kderr.WithMsg(kderr.ErrMalformedHeader, "declared size does not match frame length")
	}

	var records []Record
	off := HeaderSize
	for off < len(buf) {
		if off%8 != 0 {
			return Header{}, nil, kderr.WithMsg(kderr.ErrBadAlignment, "record offset not 8-byte aligned")
		}
		if off+16 > len(buf) {
			return Header{}, nil, kderr.WithMsg(kderr.ErrMalformedHeader, "truncated record header")
		}
		size := binary.LittleEndian.Uint64(buf[off : off+8])
		kind := RecordKind(binary.LittleEndian.Uint64(buf[off+8 : off+16]))
		if kind < RecordBytes || kind > RecordMetadata {
			return Header{}, nil, kderr.WithMsg(kderr.ErrUnknownRecord, "unrecognised record kind")
		}
		dataStart := off + 16
		dataEnd := dataStart + int(size)
		if dataEnd > len(buf) {
			return Header{}, nil, kderr.WithMsg(kderr.ErrMalformedHeader, "record overruns frame")
		}
		data := make([]byte, size)
		copy(data, buf[dataStart:dataEnd])
		records = append(records, Record{Kind: kind, Data: data})

		off = padded8(dataEnd)
	}
	return h, records, nil
}

// BloomEntry is one generation's bit array inside a BLOOM record.
type BloomEntry struct {
	Generation uint64
	Bits       []byte // size_bytes, a multiple of 8
}

// MarshalBloomRecord encodes a single generation's bloom filter as the
// payload of a RecordBloom record.
func MarshalBloomRecord(e BloomEntry) []byte {
	buf := make([]byte, 12+len(e.Bits))
	binary.LittleEndian.PutUint64(buf[0:8], e.Generation)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(e.Bits)))
	copy(buf[12:], e.Bits)
	return buf
}

// ParseBloomRecord decodes a BLOOM record's payload.
func ParseBloomRecord(data []byte) (BloomEntry, error) {
	if len(data) < 12 {
		return BloomEntry{}, kderr.WithMsg(kderr.ErrMalformedHeader, "short bloom record")
	}
	gen := binary.LittleEndian.Uint64(data[0:8])
	size := binary.LittleEndian.Uint32(data[8:12])
	if size%8 != 0 || int(12+size) > len(data) {
		return BloomEntry{}, kderr.WithMsg(kderr.ErrBadAlignment, "bloom bit array misaligned or truncated")
	}
	bits := make([]byte, size)
	copy(bits, data[12:12+size])
	return BloomEntry{Generation: gen, Bits: bits}, nil
}

// Metadata mirrors the credential/context attachment a SEND may carry.
// MarshalMetadataRecord always encodes every field; a field the caller
// leaves empty/zero is written as zero or as an empty string, since the wire
// form has no per-field presence encoding.
type Metadata struct {
	UID, GID       uint32
	PID            uint32
	CgroupPath     string
	ExecutablePath string
	CommandLine    []string
	TimestampNS    uint64
	AuditSessionID uint64
	AuditLoginUID  uint32
	SecLabel       string
	Capabilities   uint64
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, kderr.WithMsg(kderr.ErrMalformedHeader, "truncated string")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return "", nil, kderr.WithMsg(kderr.ErrMalformedHeader, "truncated string body")
	}
	return string(data[:n]), data[n:], nil
}

// MarshalMetadataRecord encodes Metadata as the payload of a RecordMetadata
// record. Command-line arguments are length-prefixed individually.
func MarshalMetadataRecord(m Metadata) []byte {
	var buf []byte
	const fixedLen = 4*4 + 8 + 8 + 8 // UID,GID,PID,AuditLoginUID + TimestampNS + AuditSessionID + Capabilities
	var fixed [fixedLen]byte
	binary.LittleEndian.PutUint32(fixed[0:4], m.UID)
	binary.LittleEndian.PutUint32(fixed[4:8], m.GID)
	binary.LittleEndian.PutUint32(fixed[8:12], m.PID)
	binary.LittleEndian.PutUint32(fixed[12:16], m.AuditLoginUID)
	binary.LittleEndian.PutUint64(fixed[16:24], m.TimestampNS)
	binary.LittleEndian.PutUint64(fixed[24:32], m.AuditSessionID)
	binary.LittleEndian.PutUint64(fixed[32:40], m.Capabilities)
	buf = append(buf, fixed[:]...)
	buf = putString(buf, m.CgroupPath)
	buf = putString(buf, m.ExecutablePath)
	buf = putString(buf, m.SecLabel)

	var argc [4]byte
	binary.LittleEndian.PutUint32(argc[:], uint32(len(m.CommandLine)))
	buf = append(buf, argc[:]...)
	for _, arg := range m.CommandLine {
		buf = putString(buf, arg)
	}
	return buf
}

// ParseMetadataRecord decodes a RecordMetadata payload produced by
// MarshalMetadataRecord.
func ParseMetadataRecord(data []byte) (Metadata, error) {
	const fixedLen = 4*4 + 8 + 8 + 8
	if len(data) < fixedLen {
		return Metadata{}, kderr.WithMsg(kderr.ErrMalformedHeader, "short metadata record")
	}
	var m Metadata
	m.UID = binary.LittleEndian.Uint32(data[0:4])
	m.GID = binary.LittleEndian.Uint32(data[4:8])
	m.PID = binary.LittleEndian.Uint32(data[8:12])
	m.AuditLoginUID = binary.LittleEndian.Uint32(data[12:16])
	m.TimestampNS = binary.LittleEndian.Uint64(data[16:24])
	m.AuditSessionID = binary.LittleEndian.Uint64(data[24:32])
	m.Capabilities = binary.LittleEndian.Uint64(data[32:40])
	cursor := data[fixedLen:]

	var err error
	m.CgroupPath, cursor, err = getString(cursor)
	if err != nil {
		return Metadata{}, err
	}
	m.ExecutablePath, cursor, err = getString(cursor)
	if err != nil {
		return Metadata{}, err
	}
	m.SecLabel, cursor, err = getString(cursor)
	if err != nil {
		return Metadata{}, err
	}
	if len(cursor) < 4 {
		return Metadata{}, kderr.WithMsg(kderr.ErrMalformedHeader, "truncated argv count")
	}
	argc := binary.LittleEndian.Uint32(cursor[0:4])
	cursor = cursor[4:]
	m.CommandLine = make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		var arg string
		arg, cursor, err = getString(cursor)
		if err != nil {
			return Metadata{}, err
		}
		m.CommandLine = append(m.CommandLine, arg)
	}
	return m, nil
}
