// Package pagestore implements the on-disk page slot format and the
// positioned byte-addressable store backing one FLU's address space.
package pagestore

import "encoding/binary"

// StatusByte is the one-byte lifecycle tag at the head of a page slot.
type StatusByte byte

const (
	StatusUnwritten StatusByte = 0
	StatusWritten   StatusByte = 1
	StatusTrimmed   StatusByte = 2
	// StatusCorrupt is reserved and never written by this implementation.
	StatusCorrupt StatusByte = 255
)

const (
	// StatusSize is the width of the status byte.
	StatusSize = 1
	// StoredLPNSize is the width of the big-endian echoed LPN field.
	StoredLPNSize = 8
	// TailMarkerSize is the width of the torn-write detector at the end of a slot.
	TailMarkerSize = 1
	// Overhead is the fixed per-slot bookkeeping cost, independent of page_size.
	Overhead = StatusSize + StoredLPNSize + TailMarkerSize

	tailIncomplete byte = 0
	tailComplete   byte = 1
)

// SlotSize returns the total on-disk size of a slot for the given page size.
func SlotSize(pageSize int) int64 {
	return int64(Overhead) + int64(pageSize)
}

// SlotOffset returns the byte offset of LPN n's slot in the memfile.
func SlotOffset(lpn uint64, pageSize int) int64 {
	return int64(lpn) * SlotSize(pageSize)
}

// Slot is a decoded view of one on-disk page slot.
type Slot struct {
	Status    StatusByte
	StoredLPN uint64
	Payload   []byte
	Complete  bool
}

// EncodeWritten serializes a fully committed slot: status=written, the
// echoed LPN, the payload, and a complete tail marker. The returned buffer
// is written in one positioned write call so a crash mid-write leaves an
// incomplete tail marker rather than a half-updated status byte.
func EncodeWritten(lpn uint64, payload []byte) []byte {
	buf := make([]byte, Overhead+len(payload))
	buf[0] = byte(StatusWritten)
	binary.BigEndian.PutUint64(buf[StatusSize:StatusSize+StoredLPNSize], lpn)
	copy(buf[StatusSize+StoredLPNSize:], payload)
	buf[len(buf)-1] = tailComplete
	return buf
}

// DecodeHeader parses just the status byte and stored LPN from a slot's
// leading Overhead-Size-minus-tail bytes; used by the recovery scanner,
// which never needs the payload.
func DecodeHeader(prefix []byte) (status StatusByte, storedLPN uint64, ok bool) {
	if len(prefix) < StatusSize+StoredLPNSize {
		return StatusUnwritten, 0, false
	}
	status = StatusByte(prefix[0])
	storedLPN = binary.BigEndian.Uint64(prefix[StatusSize : StatusSize+StoredLPNSize])
	return status, storedLPN, true
}

// DecodeSlot parses a full slot (Overhead+pageSize bytes) as read from disk.
// A short or empty read (fewer bytes than a full slot) decodes as an
// unwritten slot rather than an error — callers treat EOF as unwritten.
func DecodeSlot(raw []byte, pageSize int) Slot {
	want := Overhead + pageSize
	if len(raw) < want {
		return Slot{Status: StatusUnwritten}
	}
	status := StatusByte(raw[0])
	storedLPN := binary.BigEndian.Uint64(raw[StatusSize : StatusSize+StoredLPNSize])
	payload := raw[StatusSize+StoredLPNSize : want-TailMarkerSize]
	complete := raw[want-TailMarkerSize] == tailComplete
	return Slot{
		Status:    status,
		StoredLPN: storedLPN,
		Payload:   payload,
		Complete:  complete,
	}
}
