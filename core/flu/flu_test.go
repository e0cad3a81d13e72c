package flu

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func open(t *testing.T, pageSize int) *FLU {
	t.Helper()
	f, err := Open(Config{
		Dir:      t.TempDir(),
		PageSize: pageSize,
		MaxMem:   1 << 20,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Stop(context.Background()) })
	return f
}

func page(pageSize int, fill byte) []byte {
	buf := make([]byte, pageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	p := page(8, 'A')
	require.NoError(t, f.Write(ctx, 1, 5, p))

	got, err := f.Read(ctx, 1, 5)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestReadUnwrittenLPNReturnsErrUnwritten(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	_, err := f.Read(ctx, 1, 3)
	require.ErrorIs(t, err, ErrUnwritten)
}

func TestWriteTwiceReturnsErrOverwritten(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 1, page(8, 'A')))
	err := f.Write(ctx, 1, 1, page(8, 'B'))
	require.ErrorIs(t, err, ErrOverwritten)

	got, err := f.Read(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, page(8, 'A'), got, "the second write must not have clobbered the first")
}

func TestTrimUnwrittenLPNReturnsErrUnwritten(t *testing.T) {
	// trim has nothing to reclaim on a slot that was never written.
	ctx := context.Background()
	f := open(t, 8)

	err := f.Trim(ctx, 1, 4)
	require.ErrorIs(t, err, ErrUnwritten)

	_, err = f.Read(ctx, 1, 4)
	require.ErrorIs(t, err, ErrUnwritten, "a failed trim must not have advanced the slot's state")
}

func TestTrimWrittenThenReadReturnsErrTrimmed(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 2, page(8, 'C')))
	require.NoError(t, f.Trim(ctx, 1, 2))

	_, err := f.Read(ctx, 1, 2)
	require.ErrorIs(t, err, ErrTrimmed)
}

func TestTrimTrimmedSlotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 6, page(8, 'F')))
	require.NoError(t, f.Trim(ctx, 1, 6))
	err := f.Trim(ctx, 1, 6)
	require.ErrorIs(t, err, ErrTrimmed)
}

func TestFillUnwrittenThenReadReturnsErrTrimmed(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Fill(ctx, 1, 7))
	_, err := f.Read(ctx, 1, 7)
	require.ErrorIs(t, err, ErrTrimmed)
}

func TestFillOnWrittenSlotReturnsErrOverwrittenNotTrim(t *testing.T) {
	// Strict semantics: fill must never silently convert a written slot into
	// a trimmed one.
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 9, page(8, 'D')))
	err := f.Fill(ctx, 1, 9)
	require.ErrorIs(t, err, ErrOverwritten)

	got, err := f.Read(ctx, 1, 9)
	require.NoError(t, err, "the written page must survive an attempted fill")
	require.Equal(t, page(8, 'D'), got)
}

func TestOperationBelowMinEpochReturnsErrBadEpoch(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	tail, err := f.Seal(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tail)

	err = f.Write(ctx, 5, 1, page(8, 'E'))
	require.ErrorIs(t, err, ErrBadEpoch)

	err = f.Write(ctx, 6, 1, page(8, 'E'))
	require.NoError(t, err)
}

func TestSealReportsTailAtSealTime(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 1, page(8, 'A')))
	require.NoError(t, f.Write(ctx, 1, 4, page(8, 'B')))
	require.NoError(t, f.Write(ctx, 1, 2, page(8, 'C')))

	tail, err := f.Seal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(4), tail)
}

func TestStatusReflectsWritesTrimsAndSeals(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 1, page(8, 'A')))
	require.NoError(t, f.Write(ctx, 1, 3, page(8, 'B')))
	require.NoError(t, f.Fill(ctx, 1, 2))
	_, err := f.Seal(ctx, 1)
	require.NoError(t, err)

	st, err := f.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.MinEpoch)
	require.Equal(t, 8, st.PageSize)
	require.Equal(t, uint64(3), st.MaxLogicalPage)
	require.Equal(t, uint64(2), st.TrimWatermark)
	require.NotEmpty(t, st.InstanceID)
}

func TestWriteWrongPageSizeIsBadRequest(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	err := f.Write(ctx, 1, 1, []byte("short"))
	require.True(t, IsBadRequest(err))
}

func TestWriteLPNZeroIsBadRequest(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	err := f.Write(ctx, 1, 0, page(8, 'A'))
	require.True(t, IsBadRequest(err))
}

func TestOperationsAfterStopReturnErrClosed(t *testing.T) {
	ctx := context.Background()
	f, err := Open(Config{Dir: t.TempDir(), PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, f.Stop(ctx))

	err = f.Write(ctx, 1, 1, page(8, 'A'))
	require.ErrorIs(t, err, ErrClosed)
}

func TestRestartRecoversMaxLogicalPageAndHardState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f1, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, f1.Write(ctx, 1, 1, page(8, 'A')))
	require.NoError(t, f1.Write(ctx, 1, 5, page(8, 'B')))
	require.NoError(t, f1.Fill(ctx, 1, 2))
	_, err = f1.Seal(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f1.Stop(ctx))

	f2, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer f2.Stop(ctx)

	st, err := f2.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), st.MaxLogicalPage)
	require.Equal(t, uint64(2), st.MinEpoch)
	require.Equal(t, uint64(2), st.TrimWatermark)

	got, err := f2.Read(ctx, 2, 5)
	require.NoError(t, err)
	require.Equal(t, page(8, 'B'), got)

	err = f2.Write(ctx, 2, 5, page(8, 'C'))
	require.ErrorIs(t, err, ErrOverwritten, "recovered state must still know lpn 5 is written")
}

func TestGeometryMismatchOnReopenIsFatal(t *testing.T) {
	dir := t.TempDir()

	f1, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, f1.Stop(context.Background()))

	_, err = Open(Config{Dir: dir, PageSize: 16, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.Error(t, err)
}

// Scenarios below exercise the end-to-end epoch-fencing and page-lifecycle
// behavior a client of this FLU depends on.

func TestScenario1SealThenFencedWrite(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	tail, err := f.Seal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tail)

	err = f.Write(ctx, 1, 1, page(8, 'A'))
	require.ErrorIs(t, err, ErrBadEpoch)

	require.NoError(t, f.Write(ctx, 2, 1, []byte("ABCDEFGH")))
	got, err := f.Read(ctx, 2, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("ABCDEFGH"), got)
}

func TestScenario2OverwriteLeavesOriginalIntact(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 5, []byte("xxxxxxxx")))
	err := f.Write(ctx, 1, 5, []byte("yyyyyyyy"))
	require.ErrorIs(t, err, ErrOverwritten)

	got, err := f.Read(ctx, 1, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("xxxxxxxx"), got)
}

func TestScenario3WriteTrimReadWrite(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Write(ctx, 1, 7, []byte("zzzzzzzz")))
	require.NoError(t, f.Trim(ctx, 1, 7))

	_, err := f.Read(ctx, 1, 7)
	require.ErrorIs(t, err, ErrTrimmed)

	err = f.Write(ctx, 1, 7, []byte("qqqqqqqq"))
	require.ErrorIs(t, err, ErrOverwritten)
}

func TestScenario4FillTwiceOnUnwrittenLPN(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	require.NoError(t, f.Fill(ctx, 1, 9))

	_, err := f.Read(ctx, 1, 9)
	require.ErrorIs(t, err, ErrTrimmed)

	err = f.Fill(ctx, 1, 9)
	require.ErrorIs(t, err, ErrTrimmed)
}

func TestScenario5RestartThenSealReportsPersistedTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f1, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, f1.Write(ctx, 1, 3, []byte("aaaaaaaa")))
	require.NoError(t, f1.Stop(ctx))

	f2, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer f2.Stop(ctx)

	st, err := f2.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), st.MaxLogicalPage)

	tail, err := f2.Seal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), tail)

	st, err = f2.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.MinEpoch)
}

func TestScenario6BadRequestsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := open(t, 8)

	err := f.Write(ctx, 1, 0, page(8, 'A'))
	require.True(t, IsBadRequest(err))

	err = f.Write(ctx, 1, 2, []byte("short"))
	require.True(t, IsBadRequest(err))

	_, err = f.Read(ctx, 1, 2)
	require.ErrorIs(t, err, ErrUnwritten, "the rejected write must not have touched lpn 2")
}

func TestBoundaryLargestAcceptedLPNAtMaxMem(t *testing.T) {
	ctx := context.Background()
	pageSize := 8
	maxMem := int64(64) // three 18-byte slots (LPNs 0-2) + 10 spare bytes
	f, err := Open(Config{Dir: t.TempDir(), PageSize: pageSize, MaxMem: maxMem, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Stop(ctx) })

	// slot size = 10 + 8 = 18; floor(64/18) - 1 = 2
	largest := maxMem/18 - 1
	require.NoError(t, f.Write(ctx, 1, uint64(largest), page(pageSize, 'A')))

	err = f.Write(ctx, 1, uint64(largest)+1, page(pageSize, 'B'))
	require.True(t, IsBadRequest(err), "the next lpn's slot no longer fits within max_mem")
}

func TestBoundaryTornWriteSimulation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)

	require.NoError(t, f.Write(ctx, 1, 1, page(8, 'A')))
	require.NoError(t, f.Stop(ctx))

	memfile := dir + "/memfile"
	data, err := os.ReadFile(memfile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(memfile, data[:len(data)-1], 0644))

	f2, err := Open(Config{Dir: dir, PageSize: 8, MaxMem: 1 << 20, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer f2.Stop(ctx)

	_, err = f2.Read(ctx, 1, 1)
	require.ErrorIs(t, err, ErrUnwritten, "a torn tail marker must make the slot look unwritten")
}
