package flu

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/kdevo/goflu/core/pagestore"
)

// recoverMaxLogicalPage walks the memfile slot-by-slot from LPN 1 upward
// (LPN 0's slot exists but is unused) reading only the 9-byte status+LPN
// prefix of each slot, and returns the largest LPN whose slot is
// status=written. It stops at the first slot whose offset reaches max_mem
// or the current file size, whichever comes first. Torn writes and
// tail-marker validity are irrelevant to this scan: only the status byte
// determines whether a slot counts, since Read applies the stricter
// tail-marker check and the scanner does not need the payload at all.
func recoverMaxLogicalPage(store *pagestore.Store, pageSize int, maxMem int64, log *zap.Logger) (uint64, error) {
	fileSize, err := store.Size()
	if err != nil {
		return 0, err
	}

	prefixLen := pagestore.StatusSize + pagestore.StoredLPNSize
	prefix := make([]byte, prefixLen)

	var maxLPN uint64
	var scanned uint64
	for lpn := uint64(1); ; lpn++ {
		offset := pagestore.SlotOffset(lpn, pageSize)
		if offset >= maxMem || offset >= fileSize {
			break
		}
		n, err := store.ReadAt(prefix, offset)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, err
		}
		status, storedLPN, ok := pagestore.DecodeHeader(prefix[:n])
		if ok && status == pagestore.StatusWritten && storedLPN > maxLPN {
			maxLPN = storedLPN
		}
		scanned++
	}

	log.Info("recovery scan complete",
		zap.Uint64("max_logical_page", maxLPN), zap.Uint64("slots_scanned", scanned))
	return maxLPN, nil
}
