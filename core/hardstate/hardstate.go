// Package hardstate persists the small durable record every FLU needs to
// survive a restart: the epoch fence, the immutable geometry, and the trim
// watermark. It writes with a tmp-then-rename discipline so a crash mid-write
// never leaves a partially-written record behind.
package hardstate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	magic          uint32 = 0x464c5548 // "FLUH"
	currentVersion uint32 = 1

	// recordSize is the fixed on-disk size of a hard-state record:
	// magic(4) + version(4) + min_epoch(8) + page_size(4) + max_mem(8) + trim_watermark(8)
	recordSize = 4 + 4 + 8 + 4 + 8 + 8

	fileName    = "hard-state"
	tmpFileName = "hard-state.tmp"
)

// ErrGeometryMismatch is a fatal initialization error: the caller's
// (pageSize, maxMem) does not match what is durably recorded on disk.
var ErrGeometryMismatch = errors.New("hardstate: geometry mismatch with existing hard state")

// State is the durable tuple {min_epoch, page_size, max_mem, trim_watermark}.
// version_tag lives only in the on-disk record, not in this in-memory view.
type State struct {
	MinEpoch      uint64
	PageSize      uint32
	MaxMem        uint64
	TrimWatermark uint64
}

// Manager owns the hard-state file for one FLU instance: load-at-startup,
// atomic-replace-on-flush.
type Manager struct {
	dir    string
	path   string
	tmpPath string
	log    *zap.Logger

	mu    sync.Mutex
	state State
}

// Load reads <dir>/hard-state if present, or initializes a fresh state with
// the caller-supplied geometry. A present-but-mismatched file is a fatal
// error: silently accepting it would corrupt every subsequent slot address
// calculation.
func Load(dir string, pageSize int, maxMem int64, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		dir:     dir,
		path:    filepath.Join(dir, fileName),
		tmpPath: filepath.Join(dir, tmpFileName),
		log:     log,
	}

	raw, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.state = State{
			MinEpoch:      0,
			PageSize:      uint32(pageSize),
			MaxMem:        uint64(maxMem),
			TrimWatermark: 0,
		}
		m.log.Info("hard state absent, initializing fresh",
			zap.String("dir", dir), zap.Int("page_size", pageSize), zap.Int64("max_mem", maxMem))
		if err := m.flushLocked(); err != nil {
			return nil, fmt.Errorf("hardstate: initial flush: %w", err)
		}
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("hardstate: reading %s: %w", m.path, err)
	}

	st, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("hardstate: decoding %s: %w", m.path, err)
	}
	if st.PageSize != uint32(pageSize) || st.MaxMem != uint64(maxMem) {
		return nil, fmt.Errorf("%w: on-disk page_size=%d max_mem=%d, requested page_size=%d max_mem=%d",
			ErrGeometryMismatch, st.PageSize, st.MaxMem, pageSize, maxMem)
	}
	m.state = st
	m.log.Info("hard state loaded",
		zap.Uint64("min_epoch", st.MinEpoch), zap.Uint64("trim_watermark", st.TrimWatermark))
	return m, nil
}

// Snapshot returns a copy of the current in-memory hard state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MinEpoch returns the current epoch fence.
func (m *Manager) MinEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.MinEpoch
}

// TrimWatermark returns the current trim watermark.
func (m *Manager) TrimWatermark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.TrimWatermark
}

// SetMinEpoch updates the epoch fence and flushes it durably. Called by
// seal(); the caller (the FLU actor) already holds the single-owner
// serialization guarantee, so no additional coordination is required here
// beyond this manager's own mutex.
func (m *Manager) SetMinEpoch(epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.MinEpoch = epoch
	return m.flushLocked()
}

// BumpTrimWatermark advances the in-memory trim watermark to
// max(current, lpn) without flushing it (the caller decides the
// every-Nth-operation flush cadence; this just does the monotonic max).
func (m *Manager) BumpTrimWatermark(lpn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lpn > m.state.TrimWatermark {
		m.state.TrimWatermark = lpn
	}
}

// Flush durably persists the current in-memory state via write-tmp-then-rename.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	buf := encode(m.state)
	if err := os.WriteFile(m.tmpPath, buf, 0644); err != nil {
		return fmt.Errorf("hardstate: writing tmp file: %w", err)
	}
	f, err := os.Open(m.tmpPath)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(m.tmpPath, m.path); err != nil {
		return fmt.Errorf("hardstate: renaming tmp into place: %w", err)
	}
	m.log.Debug("hard state flushed",
		zap.Uint64("min_epoch", m.state.MinEpoch), zap.Uint64("trim_watermark", m.state.TrimWatermark))
	return nil
}

func encode(st State) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(recordSize)
	binary.Write(buf, binary.BigEndian, magic)
	binary.Write(buf, binary.BigEndian, currentVersion)
	binary.Write(buf, binary.BigEndian, st.MinEpoch)
	binary.Write(buf, binary.BigEndian, st.PageSize)
	binary.Write(buf, binary.BigEndian, st.MaxMem)
	binary.Write(buf, binary.BigEndian, st.TrimWatermark)
	return buf.Bytes()
}

func decode(raw []byte) (State, error) {
	if len(raw) != recordSize {
		return State{}, fmt.Errorf("unexpected hard-state record size: got %d, want %d", len(raw), recordSize)
	}
	r := bytes.NewReader(raw)
	var gotMagic, version uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return State{}, err
	}
	if gotMagic != magic {
		return State{}, fmt.Errorf("bad magic: got 0x%x, want 0x%x", gotMagic, magic)
	}
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return State{}, err
	}
	if version != currentVersion {
		return State{}, fmt.Errorf("unsupported hard-state version: %d", version)
	}
	var st State
	if err := binary.Read(r, binary.BigEndian, &st.MinEpoch); err != nil {
		return State{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &st.PageSize); err != nil {
		return State{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &st.MaxMem); err != nil {
		return State{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &st.TrimWatermark); err != nil {
		return State{}, err
	}
	if _, err := r.Read(make([]byte, 0)); err != nil && err != io.EOF {
		return State{}, err
	}
	return st, nil
}
