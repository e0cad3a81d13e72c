// Package backup takes rate-limited, checksum-verified copies of a FLU's
// memfile and hard-state file, so a snapshot need not compete for full disk
// bandwidth with the operations the actor serializes. A rate of zero or
// less copies without any throttling.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kdevo/goflu/core/pagestore"
)

const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// Result reports one file's copy outcome.
type Result struct {
	Src, Dst    string
	BytesCopied int64
	SHA256      string // hex-encoded, empty unless verification was requested
}

// CopyStoreThrottled streams a live pagestore.Store's contents to dstPath
// through the Store's own positioned ReadAt, rather than opening a second,
// independent *os.File against its backing path. A concurrent Write, Trim
// or Fill on the FLU that owns store goes through that same ReadAt/WriteAt
// pair and its internal mutex, so this observes whatever consistency the
// Store already provides instead of racing a second file descriptor
// against it; it does not, and does not need to, run inside the FLU's
// single-owner actor loop, since it never mutates the store.
func CopyStoreThrottled(ctx context.Context, store *pagestore.Store, dstPath string, rateBytesPerSec int64, verify bool) (Result, error) {
	size, err := store.Size()
	if err != nil {
		return Result{}, fmt.Errorf("backup: sizing store: %w", err)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("backup: open dst: %w", err)
	}
	defer func() {
		_ = dst.Sync()
		_ = dst.Close()
	}()

	limiter := newLimiter(rateBytesPerSec)
	sum := sha256.New()

	var readOff int64
	for readOff < size {
		buf := bufPool.Get().([]byte)
		want := int64(chunkSize)
		if remaining := size - readOff; remaining < want {
			want = remaining
		}

		n, rerr := store.ReadAt(buf[:want], readOff)
		if n > 0 {
			if err := throttle(ctx, limiter, n); err != nil {
				bufPool.Put(buf)
				return Result{}, err
			}
			if err := writeFull(dst, buf[:n]); err != nil {
				bufPool.Put(buf)
				return Result{}, err
			}
			if verify {
				sum.Write(buf[:n])
			}
			readOff += int64(n)
		}
		bufPool.Put(buf)

		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return Result{}, fmt.Errorf("backup: reading store at %d: %w", readOff, rerr)
		}
		if n == 0 {
			break
		}
	}

	if err := dst.Sync(); err != nil {
		return Result{}, fmt.Errorf("backup: sync: %w", err)
	}

	res := Result{Src: store.Path(), Dst: dstPath, BytesCopied: readOff}
	if verify {
		res.SHA256 = hex.EncodeToString(sum.Sum(nil))
	}
	return res, nil
}

// copyFileThrottled copies an arbitrary file at the same throttled rate. It
// backs the hard-state file, which — unlike the memfile — has no Store
// abstraction of its own to read through: it is a single small record
// rewritten wholesale by hardstate.Manager, not an addressable page space.
func copyFileThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) (Result, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return Result{}, fmt.Errorf("backup: open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("backup: open dst: %w", err)
	}
	defer func() {
		_ = dst.Sync()
		_ = dst.Close()
	}()

	limiter := newLimiter(rateBytesPerSec)
	sum := sha256.New()

	var readOff int64
	for {
		buf := bufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if err := throttle(ctx, limiter, n); err != nil {
				bufPool.Put(buf)
				return Result{}, err
			}
			if err := writeFull(dst, buf[:n]); err != nil {
				bufPool.Put(buf)
				return Result{}, err
			}
			if verify {
				sum.Write(buf[:n])
			}
			readOff += int64(n)
		}
		bufPool.Put(buf)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return Result{}, fmt.Errorf("backup: read: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return Result{}, fmt.Errorf("backup: sync: %w", err)
	}

	res := Result{Src: srcPath, Dst: dstPath, BytesCopied: readOff}
	if verify {
		res.SHA256 = hex.EncodeToString(sum.Sum(nil))
	}
	return res, nil
}

func newLimiter(rateBytesPerSec int64) *rate.Limiter {
	if rateBytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
}

func throttle(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("backup: rate limiter: %w", err)
	}
	return nil
}

func writeFull(dst *os.File, buf []byte) error {
	w := 0
	for w < len(buf) {
		m, err := dst.Write(buf[w:])
		if err != nil {
			return fmt.Errorf("backup: write: %w", err)
		}
		w += m
	}
	return nil
}

// Snapshot copies a FLU node's memfile — through its live Store, so the
// copy exercises the same addressable-page abstraction the FLU actor
// itself reads and writes through — and its hard-state file, from srcDir's
// hard-state record into dstDir, at a throttled rate. Each file's checksum
// is logged for later integrity comparison.
func Snapshot(ctx context.Context, store *pagestore.Store, srcDir, dstDir string, rateBytesPerSec int64, log *zap.Logger) ([]Result, error) {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: creating %s: %w", dstDir, err)
	}

	results := make([]Result, 0, 2)

	memRes, err := CopyStoreThrottled(ctx, store, filepath.Join(dstDir, "memfile"), rateBytesPerSec, true)
	if err != nil {
		return results, fmt.Errorf("backup: copying memfile: %w", err)
	}
	log.Info("snapshot file copied",
		zap.String("file", "memfile"), zap.Int64("bytes", memRes.BytesCopied), zap.String("sha256", memRes.SHA256))
	results = append(results, memRes)

	hsSrc := filepath.Join(srcDir, "hard-state")
	if _, err := os.Stat(hsSrc); errors.Is(err, os.ErrNotExist) {
		return results, nil
	} else if err != nil {
		return results, fmt.Errorf("backup: stat %s: %w", hsSrc, err)
	}

	hsRes, err := copyFileThrottled(ctx, hsSrc, filepath.Join(dstDir, "hard-state"), rateBytesPerSec, true)
	if err != nil {
		return results, fmt.Errorf("backup: copying hard-state: %w", err)
	}
	log.Info("snapshot file copied",
		zap.String("file", "hard-state"), zap.Int64("bytes", hsRes.BytesCopied), zap.String("sha256", hsRes.SHA256))
	results = append(results, hsRes)

	return results, nil
}
