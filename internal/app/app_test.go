package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"s3tosftp/internal/checkpoint"
	"s3tosftp/internal/config"
	"s3tosftp/internal/transfer"
	"s3tosftp/internal/worker"
)

type scriptedRunner struct {
	results []worker.Result
	errs    []error
	calls   int
	budgets []time.Duration
}

func (r *scriptedRunner) Process(ctx context.Context, task worker.Task, remaining transfer.RemainingFunc) (worker.Result, error) {
	i := r.calls
	r.calls++
	r.budgets = append(r.budgets, remaining())
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return r.results[i], err
}

func testService(t *testing.T, runner taskRunner) *Service {
	t.Helper()
	cfg := config.Default()
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Service{
		cfg:        cfg,
		logger:     zap.NewNop(),
		checkpoint: store,
		processor:  runner,
		owner:      "server-1",
	}
}

var task = worker.Task{Bucket: "data", Key: "big.bin", RemoteDir: "/incoming"}

func TestFollowRunsUntilComplete(t *testing.T) {
	runner := &scriptedRunner{results: []worker.Result{
		{Status: worker.StatusContinuation, Sent: 4, Total: 10},
		{Status: worker.StatusContinuation, Sent: 8, Total: 10},
		{Status: worker.StatusComplete, Bytes: 10, RemotePath: "/incoming/big.bin"},
	}}
	s := testService(t, runner)

	result, err := s.Follow(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusComplete, result.Status)
	assert.Equal(t, 3, runner.calls)

	// every slice gets a fresh budget
	for _, b := range runner.budgets {
		assert.Greater(t, b, 899*time.Second)
	}
}

func TestFollowStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	runner := &scriptedRunner{
		results: []worker.Result{{Status: worker.StatusContinuation}, {}},
		errs:    []error{nil, boom},
	}
	s := testService(t, runner)

	_, err := s.Follow(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, runner.calls)
}

func TestFollowStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &scriptedRunner{results: []worker.Result{{Status: worker.StatusContinuation, Sent: 3, Total: 10}}}
	s := testService(t, runner)

	result, err := s.Follow(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusContinuation, result.Status)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, time.Duration(0), runner.budgets[0])
}

func TestRunOnceProcessesEveryTask(t *testing.T) {
	boom := errors.New("boom")
	runner := &scriptedRunner{
		results: []worker.Result{{}, {Status: worker.StatusComplete}},
		errs:    []error{boom, nil},
	}
	s := testService(t, runner)

	results, err := s.RunOnce(context.Background(), []worker.Task{task, {Bucket: "data", Key: "other.bin", RemoteDir: "/incoming"}})
	assert.ErrorIs(t, err, boom)
	require.Len(t, results, 2)
	assert.Equal(t, worker.StatusComplete, results[1].Status)
}

func TestRequeueReturnsJobsToPending(t *testing.T) {
	s := testService(t, &scriptedRunner{})

	require.NoError(t, s.checkpoint.Enqueue(&checkpoint.TaskRecord{Bucket: "data", Key: "big.bin", RemoteDir: "/incoming"}))
	claimed, err := s.checkpoint.ClaimPending(1, "server-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	s.requeue(claimed)

	pending, err := s.checkpoint.ListPendingTasks()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "big.bin", pending[0].Key)

	reclaimed, err := s.checkpoint.ClaimPending(1, "server-2", time.Minute)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1, "requeue releases the claim lease")
}
