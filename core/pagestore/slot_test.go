package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotOffsetIsMonotonic(t *testing.T) {
	pageSize := 8
	prev := int64(-1)
	for lpn := uint64(0); lpn < 10; lpn++ {
		off := SlotOffset(lpn, pageSize)
		require.Greater(t, off, prev, "lpn %d: offset did not increase", lpn)
		prev = off
	}
}

func TestEncodeDecodeWrittenRoundTrip(t *testing.T) {
	payload := []byte("12345678")
	buf := EncodeWritten(42, payload)

	require.Equal(t, Overhead+len(payload), len(buf))

	slot := DecodeSlot(buf, len(payload))
	require.Equal(t, StatusWritten, slot.Status)
	require.Equal(t, uint64(42), slot.StoredLPN)
	require.True(t, slot.Complete, "expected complete tail marker")
	require.Equal(t, string(payload), string(slot.Payload))
}

func TestDecodeHeaderShortPrefix(t *testing.T) {
	_, _, ok := DecodeHeader([]byte{1, 2, 3})
	require.False(t, ok, "expected ok=false for a too-short prefix")
}

func TestDecodeSlotShortReadIsUnwritten(t *testing.T) {
	slot := DecodeSlot([]byte{}, 8)
	require.Equal(t, StatusUnwritten, slot.Status, "expected StatusUnwritten for an empty read")

	buf := EncodeWritten(1, []byte("12345678"))
	truncated := buf[:len(buf)-2]
	slot = DecodeSlot(truncated, 8)
	require.Equal(t, StatusUnwritten, slot.Status, "expected StatusUnwritten for a truncated read")
}

func TestDecodeSlotTornWriteIncompleteTail(t *testing.T) {
	buf := EncodeWritten(7, []byte("12345678"))
	buf[len(buf)-1] = tailIncomplete

	slot := DecodeSlot(buf, 8)
	require.Equal(t, StatusWritten, slot.Status, "status byte landed before the crash")
	require.False(t, slot.Complete, "expected Complete=false for a torn tail marker")
}
