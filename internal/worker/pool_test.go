package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolProcessesTasks(t *testing.T) {
	f := newFixture(t, []byte("0123456789"), nil)
	pool := NewPool(1, time.Hour, f.processor, zap.NewNop())

	tasks := make(chan Task, 1)
	results := make(chan Outcome, 1)
	var wg sync.WaitGroup
	pool.Start(context.Background(), tasks, results, &wg)

	tasks <- testTask
	close(tasks)
	wg.Wait()

	outcome := <-results
	require.NoError(t, outcome.Err)
	assert.Equal(t, testTask, outcome.Task)
	assert.Equal(t, StatusComplete, outcome.Result.Status)
}

func TestBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	remaining := Budget(ctx, time.Minute)

	assert.Greater(t, remaining(), 59*time.Second)
	cancel()
	assert.Equal(t, time.Duration(0), remaining())
}
