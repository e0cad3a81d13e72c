// Package flu implements one CORFU-style Flash Log Unit: a single-owner
// page store gated by an epoch fence, serialized through a dedicated
// background actor goroutine draining a buffered request channel.
package flu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/kdevo/goflu/core/hardstate"
	"github.com/kdevo/goflu/core/pagestore"
	"github.com/kdevo/goflu/internal/backup"
	"github.com/kdevo/goflu/pkg/telemetry"
)

const (
	// DefaultPageSize is the page payload size, in bytes, used when a
	// Config leaves PageSize unset.
	DefaultPageSize = 8
	// DefaultMaxMem is the addressable memfile size, in bytes, used when a
	// Config leaves MaxMem unset (64 MiB).
	DefaultMaxMem = 64 * 1024 * 1024
	// DefaultFlushEvery is how many successful trim/fill operations elapse
	// between hard-state flushes when a Config leaves FlushEvery unset.
	DefaultFlushEvery = 1000

	requestQueueDepth = 256
)

// Config configures a new FLU instance.
type Config struct {
	Dir        string
	PageSize   int
	MaxMem     int64
	FlushEvery uint64
	Logger     *zap.Logger
	Tracer     trace.Tracer

	// InstanceID identifies this FLU across logs, traces and metrics. Left
	// as uuid.Nil, Open generates one. A caller that needs to build its
	// telemetry provider (which tags its resource attributes with the
	// instance ID) before opening the FLU should generate the ID itself,
	// set it here, and pass the same ID to telemetry.New.
	InstanceID uuid.UUID
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxMem <= 0 {
		c.MaxMem = DefaultMaxMem
	}
	if c.FlushEvery == 0 {
		c.FlushEvery = DefaultFlushEvery
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("flu")
	}
	if c.InstanceID == uuid.Nil {
		c.InstanceID = uuid.New()
	}
}

// FLU is one node's page store: a page store, epoch guard, page state
// machine, hard state manager, recovery scanner and request dispatcher,
// wired together behind a single-owner actor.
type FLU struct {
	dir        string
	pageSize   int
	maxMem     int64
	flushEvery uint64
	instanceID uuid.UUID

	store *pagestore.Store
	hs    *hardstate.Manager
	log   *zap.Logger
	tr    trace.Tracer

	metrics *telemetry.FLUMetrics

	reqCh chan request
	done  chan struct{}

	// maxLogicalPage is only written from inside run() (and by Open before
	// run starts), but MaxLogicalPage reads it from other goroutines, hence
	// the atomic. trimFillSince is only ever touched from inside run().
	maxLogicalPage atomic.Uint64
	trimFillSince  uint64
}

// Open constructs a FLU rooted at cfg.Dir, running recovery synchronously
// before returning: recovery always completes before any request is
// accepted, never lazily on first use.
func Open(cfg Config) (*FLU, error) {
	cfg.setDefaults()

	store, err := pagestore.Open(memfilePath(cfg.Dir), cfg.MaxMem)
	if err != nil {
		return nil, fmt.Errorf("flu: opening page store: %w", err)
	}

	hs, err := hardstate.Load(cfg.Dir, cfg.PageSize, cfg.MaxMem, cfg.Logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("flu: loading hard state: %w", err)
	}

	instanceID := cfg.InstanceID
	log := cfg.Logger.With(zap.String("instance_id", instanceID.String()), zap.String("dir", cfg.Dir))

	maxLPN, err := recoverMaxLogicalPage(store, cfg.PageSize, cfg.MaxMem, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("flu: recovery scan: %w", err)
	}
	if err := hs.Flush(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("flu: post-recovery flush: %w", err)
	}

	f := &FLU{
		dir:        cfg.Dir,
		pageSize:   cfg.PageSize,
		maxMem:     cfg.MaxMem,
		flushEvery: cfg.FlushEvery,
		instanceID: instanceID,
		store:      store,
		hs:         hs,
		log:        log,
		tr:         cfg.Tracer,
		reqCh:      make(chan request, requestQueueDepth),
		done:       make(chan struct{}),
	}
	f.maxLogicalPage.Store(maxLPN)

	go f.run()

	log.Info("flu opened",
		zap.Int("page_size", cfg.PageSize), zap.Int64("max_mem", cfg.MaxMem),
		zap.Uint64("max_logical_page", maxLPN), zap.Uint64("min_epoch", hs.MinEpoch()))
	return f, nil
}

// SetMetrics attaches an instrument set. Not safe to call concurrently
// with in-flight operations; intended to be called once, immediately
// after Open, before the FLU is exposed to callers.
func (f *FLU) SetMetrics(m *telemetry.FLUMetrics) { f.metrics = m }

// InstanceID returns this FLU's process-lifetime unique identifier, used to
// correlate logs and metrics across multiple instances in one process.
func (f *FLU) InstanceID() string { return f.instanceID.String() }

// MaxLogicalPage implements telemetry.TailObserver.
func (f *FLU) MaxLogicalPage() uint64 { return f.maxLogicalPage.Load() }

// TrimWatermark implements telemetry.TailObserver.
func (f *FLU) TrimWatermark() uint64 { return f.hs.TrimWatermark() }

func memfilePath(dir string) string { return dir + "/memfile" }

// run is the single owner of all mutable FLU state. It drains reqCh in
// FIFO arrival order, one request fully to completion before the next —
// there is no cooperative yielding inside an operation.
func (f *FLU) run() {
	defer close(f.done)
	for req := range f.reqCh {
		if req.stop {
			close(req.done)
			return
		}
		req.run()
	}
}

func (f *FLU) submit(run func()) error {
	done := make(chan struct{})
	req := request{run: func() { run(); close(done) }}
	select {
	case f.reqCh <- req:
	case <-f.done:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-f.done:
		return ErrClosed
	}
}

func (f *FLU) traced(ctx context.Context, op string, lpn, epoch uint64, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := f.tr.Start(ctx, op, trace.WithAttributes(
		attribute.Int64("lpn", int64(lpn)),
		attribute.Int64("epoch", int64(epoch)),
	))
	defer span.End()

	err := fn(ctx)

	outcome := outcomeOf(err)
	span.SetAttributes(attribute.String("outcome", outcome))
	f.metrics.Record(ctx, op, outcome, time.Since(start).Seconds())
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case err == ErrBadEpoch:
		return "bad_epoch"
	case err == ErrOverwritten:
		return "overwritten"
	case err == ErrUnwritten:
		return "unwritten"
	case err == ErrTrimmed:
		return "trimmed"
	case IsBadRequest(err):
		return "bad_request"
	default:
		return "error"
	}
}

// checkEpoch enforces the epoch fence: requests carrying a stale epoch fail
// with ErrBadEpoch and have no side effects. Must be called from inside the
// owner loop.
func (f *FLU) checkEpoch(epoch uint64) error {
	if epoch < f.hs.MinEpoch() {
		return ErrBadEpoch
	}
	return nil
}

func (f *FLU) slotOffset(lpn uint64) int64 { return pagestore.SlotOffset(lpn, f.pageSize) }

func (f *FLU) slotFitsInMemMax(lpn uint64) bool {
	return f.slotOffset(lpn)+pagestore.SlotSize(f.pageSize) <= f.maxMem
}

// Write commits page at lpn under epoch. It fails with ErrOverwritten if
// lpn already holds a written or trimmed slot, and with ErrBadEpoch if
// epoch has been fenced out by a prior Seal.
func (f *FLU) Write(ctx context.Context, epoch, lpn uint64, page []byte) error {
	return f.traced(ctx, "write", lpn, epoch, func(context.Context) error {
		var opErr error
		err := f.submit(func() { opErr = f.doWrite(epoch, lpn, page) })
		if err != nil {
			return err
		}
		return opErr
	})
}

func (f *FLU) doWrite(epoch, lpn uint64, page []byte) error {
	if lpn == 0 {
		return badRequest("lpn must be positive, got 0")
	}
	if len(page) != f.pageSize {
		return badRequest("page length %d != configured page_size %d", len(page), f.pageSize)
	}
	if !f.slotFitsInMemMax(lpn) {
		return badRequest("lpn %d slot extends past max_mem %d", lpn, f.maxMem)
	}
	if err := f.checkEpoch(epoch); err != nil {
		return err
	}

	offset := f.slotOffset(lpn)
	status, _, err := f.readStatus(offset)
	if err != nil {
		return fmt.Errorf("flu: reading slot status for lpn %d: %w", lpn, err)
	}

	switch status {
	case pagestore.StatusUnwritten:
		buf := pagestore.EncodeWritten(lpn, page)
		if err := f.store.WriteAt(buf, offset); err != nil {
			return fmt.Errorf("flu: writing lpn %d: %w", lpn, err)
		}
		if lpn > f.maxLogicalPage.Load() {
			f.maxLogicalPage.Store(lpn)
		}
		f.log.Debug("write ok", zap.Uint64("lpn", lpn), zap.Uint64("epoch", epoch))
		return nil
	case pagestore.StatusWritten, pagestore.StatusTrimmed:
		return ErrOverwritten
	default:
		return fmt.Errorf("flu: lpn %d has unexpected status byte %d", lpn, status)
	}
}

// Read returns the payload written at lpn. It fails with ErrBadEpoch if
// epoch has been fenced out, ErrTrimmed if lpn was trimmed, and
// ErrUnwritten if lpn was never written (or a write to it never completed).
func (f *FLU) Read(ctx context.Context, epoch, lpn uint64) ([]byte, error) {
	var result []byte
	err := f.traced(ctx, "read", lpn, epoch, func(context.Context) error {
		var opErr error
		submitErr := f.submit(func() { result, opErr = f.doRead(epoch, lpn) })
		if submitErr != nil {
			return submitErr
		}
		return opErr
	})
	return result, err
}

func (f *FLU) doRead(epoch, lpn uint64) ([]byte, error) {
	if epoch == 0 {
		return nil, badRequest("epoch must be positive, got 0")
	}
	if lpn == 0 {
		return nil, badRequest("lpn must be positive, got 0")
	}
	if !f.slotFitsInMemMax(lpn) {
		return nil, badRequest("lpn %d slot extends past max_mem %d", lpn, f.maxMem)
	}
	if err := f.checkEpoch(epoch); err != nil {
		return nil, err
	}

	offset := f.slotOffset(lpn)
	raw := make([]byte, pagestore.Overhead+f.pageSize)
	n, err := f.store.ReadAt(raw, offset)
	if err != nil && n == 0 {
		return nil, ErrUnwritten
	}
	// Trim and fill rewrite only the status byte, so a trimmed slot at the
	// end of the memfile may be shorter than a full slot.
	if n >= pagestore.StatusSize && pagestore.StatusByte(raw[0]) == pagestore.StatusTrimmed {
		return nil, ErrTrimmed
	}
	slot := pagestore.DecodeSlot(raw[:n], f.pageSize)

	switch slot.Status {
	case pagestore.StatusWritten:
		if !slot.Complete {
			f.log.Warn("torn write detected on read", zap.Uint64("lpn", lpn))
			return nil, ErrUnwritten
		}
		if slot.StoredLPN != lpn {
			f.log.Warn("stored lpn mismatch on read", zap.Uint64("lpn", lpn), zap.Uint64("stored_lpn", slot.StoredLPN))
			return nil, ErrUnwritten
		}
		payload := make([]byte, len(slot.Payload))
		copy(payload, slot.Payload)
		return payload, nil
	case pagestore.StatusTrimmed:
		return nil, ErrTrimmed
	default:
		return nil, ErrUnwritten
	}
}

// Trim marks a written lpn as trimmed. A later Read returns ErrTrimmed, a
// later Write returns ErrOverwritten, and a later Trim or Fill returns
// ErrTrimmed. Trimming an unwritten lpn returns ErrUnwritten and trimming
// an already-trimmed lpn returns ErrTrimmed; neither changes the slot.
func (f *FLU) Trim(ctx context.Context, epoch, lpn uint64) error {
	return f.traced(ctx, "trim", lpn, epoch, func(context.Context) error {
		var opErr error
		err := f.submit(func() { opErr = f.doTrimOrFill(epoch, lpn, true) })
		if err != nil {
			return err
		}
		return opErr
	})
}

// Fill marks an unwritten lpn as permanently empty by giving it the same
// trimmed status a Trim sets, so later reads return ErrTrimmed; a filled
// slot is not distinguishable from a trimmed one. Fill on an
// already-written slot returns ErrOverwritten (it never converts a written
// page into a trimmed one), and Fill on an already-trimmed or already-filled
// slot returns ErrTrimmed.
func (f *FLU) Fill(ctx context.Context, epoch, lpn uint64) error {
	return f.traced(ctx, "fill", lpn, epoch, func(context.Context) error {
		var opErr error
		err := f.submit(func() { opErr = f.doTrimOrFill(epoch, lpn, false) })
		if err != nil {
			return err
		}
		return opErr
	})
}

func (f *FLU) doTrimOrFill(epoch, lpn uint64, isTrim bool) error {
	if lpn == 0 {
		return badRequest("lpn must be positive, got 0")
	}
	if !f.slotFitsInMemMax(lpn) {
		return badRequest("lpn %d slot extends past max_mem %d", lpn, f.maxMem)
	}
	if err := f.checkEpoch(epoch); err != nil {
		return err
	}

	offset := f.slotOffset(lpn)
	status, _, err := f.readStatus(offset)
	if err != nil {
		return fmt.Errorf("flu: reading slot status for lpn %d: %w", lpn, err)
	}

	switch status {
	case pagestore.StatusUnwritten:
		if isTrim {
			// trim on an unwritten slot has nothing to reclaim.
			return ErrUnwritten
		}
		if err := f.markTrimmed(offset); err != nil {
			return fmt.Errorf("flu: marking lpn %d trimmed: %w", lpn, err)
		}
		f.onTrimSuccess(lpn)
		return nil
	case pagestore.StatusWritten:
		if isTrim {
			if err := f.markTrimmed(offset); err != nil {
				return fmt.Errorf("flu: marking lpn %d trimmed: %w", lpn, err)
			}
			f.onTrimSuccess(lpn)
			return nil
		}
		return ErrOverwritten
	case pagestore.StatusTrimmed:
		return ErrTrimmed
	default:
		return fmt.Errorf("flu: lpn %d has unexpected status byte %d", lpn, status)
	}
}

func (f *FLU) markTrimmed(offset int64) error {
	return f.store.WriteAt([]byte{byte(pagestore.StatusTrimmed)}, offset)
}

func (f *FLU) onTrimSuccess(lpn uint64) {
	f.hs.BumpTrimWatermark(lpn)
	f.trimFillSince++
	if f.trimFillSince >= f.flushEvery {
		f.trimFillSince = 0
		if err := f.hs.Flush(); err != nil {
			f.log.Error("periodic hard-state flush failed", zap.Error(err))
		}
	}
}

// Seal fences out every client whose epoch is at or below the given
// epoch — later calls to Write, Trim or Fill from those clients fail with
// ErrBadEpoch — and reports the current tail LPN.
func (f *FLU) Seal(ctx context.Context, epoch uint64) (uint64, error) {
	var tail uint64
	err := f.traced(ctx, "seal", 0, epoch, func(context.Context) error {
		var opErr error
		submitErr := f.submit(func() { tail, opErr = f.doSeal(epoch) })
		if submitErr != nil {
			return submitErr
		}
		return opErr
	})
	return tail, err
}

func (f *FLU) doSeal(epoch uint64) (uint64, error) {
	if epoch < f.hs.MinEpoch() {
		return 0, ErrBadEpoch
	}
	if err := f.hs.SetMinEpoch(epoch + 1); err != nil {
		return 0, fmt.Errorf("flu: sealing at epoch %d: %w", epoch, err)
	}
	tail := f.maxLogicalPage.Load()
	f.log.Info("sealed", zap.Uint64("epoch", epoch), zap.Uint64("new_min_epoch", epoch+1), zap.Uint64("tail", tail))
	return tail, nil
}

// Status returns a point-in-time snapshot of this FLU's epoch fence,
// geometry, tail LPN and trim watermark, useful for health checks and
// operator tooling.
func (f *FLU) Status(ctx context.Context) (Status, error) {
	var st Status
	err := f.traced(ctx, "status", 0, 0, func(context.Context) error {
		return f.submit(func() { st = f.doStatus() })
	})
	return st, err
}

func (f *FLU) doStatus() Status {
	snap := f.hs.Snapshot()
	return Status{
		MinEpoch:       snap.MinEpoch,
		PageSize:       f.pageSize,
		MaxMem:         f.maxMem,
		MaxLogicalPage: f.maxLogicalPage.Load(),
		TrimWatermark:  snap.TrimWatermark,
		InstanceID:     f.instanceID.String(),
	}
}

// readStatus reads the status byte and stored LPN prefix of the slot at
// offset. A slot past EOF reads as unwritten; a slot of which only the
// status byte is on disk reports that status with a stored LPN of 0.
func (f *FLU) readStatus(offset int64) (pagestore.StatusByte, uint64, error) {
	prefix := make([]byte, pagestore.StatusSize+pagestore.StoredLPNSize)
	n, err := f.store.ReadAt(prefix, offset)
	if err != nil && n == 0 {
		return pagestore.StatusUnwritten, 0, nil
	}
	status, storedLPN, ok := pagestore.DecodeHeader(prefix[:n])
	if !ok {
		// Trim and fill write only the status byte, which may be the last
		// byte of the memfile.
		return pagestore.StatusByte(prefix[0]), 0, nil
	}
	return status, storedLPN, nil
}

// Backup takes a throttled, checksummed snapshot of this FLU's memfile and
// hard-state file into dstDir. It reads the memfile through the same
// pagestore.Store the actor writes through rather than opening a second
// file handle by path, and does not go through the actor's request queue:
// it never mutates state, so it can run concurrently with in-flight
// operations without blocking them.
func (f *FLU) Backup(ctx context.Context, dstDir string, rateBytesPerSec int64) ([]backup.Result, error) {
	return backup.Snapshot(ctx, f.store, f.dir, dstDir, rateBytesPerSec, f.log)
}

// Stop gracefully shuts the FLU down: it waits for any in-flight and
// already-queued operation to finish, flushes hard state, and closes the
// memfile. It must not be called concurrently with itself.
func (f *FLU) Stop(ctx context.Context) error {
	done := make(chan struct{})
	req := request{stop: true, done: done}
	select {
	case f.reqCh <- req:
	case <-f.done:
		return ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := f.hs.Flush(); err != nil {
		return fmt.Errorf("flu: final hard-state flush: %w", err)
	}
	if err := f.store.Close(); err != nil {
		return fmt.Errorf("flu: closing page store: %w", err)
	}
	f.log.Info("flu stopped")
	return nil
}
