package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"s3tosftp/internal/progress"
	"s3tosftp/internal/transfertest"
)

const testMargin = 30 * time.Second

func plenty() time.Duration { return time.Hour }

// chunksThenStop allows n chunks before reporting the budget as spent
func chunksThenStop(n int) RemainingFunc {
	calls := 0
	return func() time.Duration {
		calls++
		if calls > n {
			return testMargin
		}
		return time.Hour
	}
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func newTestEngine(src *transfertest.MemSource, chunk int64) *Engine {
	return NewEngine(src, Options{ChunkSize: chunk, SafetyMargin: testMargin}, zap.NewNop())
}

func TestJobPaths(t *testing.T) {
	job := NewJob("bucket", "big/ten-gig.bin", "/incoming/")
	assert.Equal(t, "/incoming/ten-gig.bin", job.FinalPath())
	assert.Equal(t, "/incoming/ten-gig.bin.part", job.PartialPath())

	root := NewJob("bucket", "file", "/")
	assert.Equal(t, "/file", root.FinalPath())

	assert.NoError(t, job.Validate())
	assert.Error(t, NewJob("bucket", "dir/", "/incoming").Validate())
	assert.Error(t, NewJob("", "key", "/incoming").Validate())
	assert.Error(t, NewJob("bucket", "key", "").Validate())
}

func TestJobTotalIsFetchedOnce(t *testing.T) {
	src := transfertest.NewMemSource(map[string][]byte{"b/k": payload(5)})
	job := NewJob("b", "k", "/in")

	for i := 0; i < 3; i++ {
		total, err := job.Total(context.Background(), src)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
	}
	assert.Equal(t, 1, src.Heads())
}

func TestTransferChunkBoundaries(t *testing.T) {
	data := payload(10)
	src := transfertest.NewMemSource(map[string][]byte{"b/k.bin": data})
	fs := transfertest.NewMemFS()

	slice, err := newTestEngine(src, 3).Transfer(context.Background(), NewJob("b", "k.bin", "/in"), fs, plenty)
	require.NoError(t, err)

	assert.True(t, slice.Complete())
	assert.Equal(t, int64(10), slice.Sent)
	assert.Equal(t, int64(10), slice.Total)
	assert.Equal(t, []transfertest.Range{{0, 2}, {3, 5}, {6, 8}, {9, 9}}, src.Reads())

	got, ok := fs.File("/in/k.bin.part")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestTransferZeroLength(t *testing.T) {
	src := transfertest.NewMemSource(map[string][]byte{"b/empty": {}})
	fs := transfertest.NewMemFS()

	slice, err := newTestEngine(src, 4).Transfer(context.Background(), NewJob("b", "empty", "/in"), fs, plenty)
	require.NoError(t, err)
	assert.True(t, slice.Complete())
	assert.Empty(t, src.Reads())

	got, ok := fs.File("/in/empty.part")
	require.True(t, ok)
	assert.Empty(t, got)

	require.NoError(t, NewPublisher(zap.NewNop()).Publish(fs, slice.PartialPath, slice.FinalPath, slice.Total))
	_, ok = fs.File("/in/empty")
	assert.True(t, ok)
}

func TestTransferResumesFromPartialSize(t *testing.T) {
	data := payload(20)
	src := transfertest.NewMemSource(map[string][]byte{"b/k": data})
	fs := transfertest.NewMemFS()
	fs.AddDir("/in")
	fs.PutFile("/in/k.part", data[:7])

	slice, err := newTestEngine(src, 4).Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	require.NoError(t, err)
	assert.True(t, slice.Complete())

	var written int64
	for _, r := range src.Reads() {
		assert.GreaterOrEqual(t, r.Start, int64(7))
		written += r.End - r.Start + 1
	}
	assert.Equal(t, int64(13), written)

	got, _ := fs.File("/in/k.part")
	assert.Equal(t, data, got)
}

func TestTransferInterruptedMatchesUninterrupted(t *testing.T) {
	for _, total := range []int{0, 1, 9, 10, 64, 257} {
		for _, chunk := range []int64{1, 3, 8, 1000} {
			for _, perRun := range []int{1, 2, 5} {
				name := fmt.Sprintf("T=%d/C=%d/N=%d", total, chunk, perRun)
				t.Run(name, func(t *testing.T) {
					data := payload(total)
					src := transfertest.NewMemSource(map[string][]byte{"b/k": data})
					fs := transfertest.NewMemFS()
					engine := newTestEngine(src, chunk)

					var slice Slice
					runs := 0
					for {
						var err error
						job := NewJob("b", "k", "/out/nested")
						slice, err = engine.Transfer(context.Background(), job, fs, chunksThenStop(perRun))
						require.NoError(t, err)
						runs++
						if slice.Complete() {
							break
						}
						require.Less(t, runs, total+2)
					}

					got, _ := fs.File(slice.PartialPath)
					assert.True(t, bytes.Equal(data, got))
				})
			}
		}
	}
}

func TestTransferYieldsBeforeFirstChunk(t *testing.T) {
	src := transfertest.NewMemSource(map[string][]byte{"b/k": payload(10)})
	fs := transfertest.NewMemFS()

	slice, err := newTestEngine(src, 3).Transfer(context.Background(), NewJob("b", "k", "/in"), fs,
		func() time.Duration { return testMargin })
	require.NoError(t, err)
	assert.False(t, slice.Complete())
	assert.Equal(t, int64(0), slice.Sent)
	assert.Equal(t, int64(10), slice.Total)
	assert.Empty(t, src.Reads())
}

func TestTransferReadFailureKeepsProgress(t *testing.T) {
	data := payload(10)
	src := transfertest.NewMemSource(map[string][]byte{"b/k": data})
	boom := errors.New("connection reset by peer")
	src.FailRead = func(start, end int64) error {
		if start == 6 {
			return boom
		}
		return nil
	}
	fs := transfertest.NewMemFS()
	engine := newTestEngine(src, 3)

	slice, err := engine.Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read", ioErr.Op)
	assert.Equal(t, int64(6), ioErr.Offset)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(6), slice.Sent)

	src.FailRead = nil
	slice, err = engine.Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	require.NoError(t, err)
	assert.True(t, slice.Complete())
	got, _ := fs.File("/in/k.part")
	assert.Equal(t, data, got)
}

func TestTransferWriteFailureKeepsProgress(t *testing.T) {
	data := payload(10)
	src := transfertest.NewMemSource(map[string][]byte{"b/k": data})
	fs := transfertest.NewMemFS()
	fs.WriteLimit = 5
	engine := newTestEngine(src, 3)

	_, err := engine.Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "write", ioErr.Op)

	size, err := fs.Stat("/in/k.part")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	fs.WriteLimit = 0
	slice, err := engine.Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	require.NoError(t, err)
	assert.True(t, slice.Complete())
	got, _ := fs.File("/in/k.part")
	assert.Equal(t, data, got)
}

func TestTransferPartialLargerThanObject(t *testing.T) {
	src := transfertest.NewMemSource(map[string][]byte{"b/k": payload(4)})
	fs := transfertest.NewMemFS()
	fs.AddDir("/in")
	fs.PutFile("/in/k.part", payload(6))

	_, err := newTestEngine(src, 3).Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestTransferHeadFailure(t *testing.T) {
	src := transfertest.NewMemSource(nil)
	src.HeadErr = errors.New("503 service unavailable")

	_, err := newTestEngine(src, 3).Transfer(context.Background(), NewJob("b", "k", "/in"), transfertest.NewMemFS(), plenty)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "head", ioErr.Op)
}

func TestTransferTracksProgress(t *testing.T) {
	src := transfertest.NewMemSource(map[string][]byte{"b/k": payload(10)})
	fs := transfertest.NewMemFS()
	fs.AddDir("/in")
	fs.PutFile("/in/k.part", payload(4))
	tracker := progress.NewTracker()

	engine := NewEngine(src, Options{ChunkSize: 3, SafetyMargin: testMargin, Tracker: tracker}, zap.NewNop())
	_, err := engine.Transfer(context.Background(), NewJob("b", "k", "/in"), fs, plenty)
	require.NoError(t, err)

	st := tracker.GetStatus()
	assert.Equal(t, int64(10), st.ProcessedBytes)
	assert.Equal(t, int64(4), st.ResumedFrom)
}

func TestTransferRejectsBadChunkSize(t *testing.T) {
	src := transfertest.NewMemSource(map[string][]byte{"b/k": payload(1)})
	_, err := newTestEngine(src, 0).Transfer(context.Background(), NewJob("b", "k", "/in"), transfertest.NewMemFS(), plenty)
	assert.Error(t, err)
}
