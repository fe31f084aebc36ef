package worker

import (
	"context"
	"sync"
	"time"

	"s3tosftp/internal/transfer"

	"go.uber.org/zap"
)

// Outcome pairs a task with its result
type Outcome struct {
	Task   Task
	Result Result
	Err    error
}

// Pool manages a pool of workers. Each task gets a fresh time budget.
type Pool struct {
	size      int
	budget    time.Duration
	processor *TaskProcessor
	logger    *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(size int, budget time.Duration, processor *TaskProcessor, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:      size,
		budget:    budget,
		processor: processor,
		logger:    logger,
	}
}

// Start starts the worker pool. Outcomes are sent to results when it is
// not nil.
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, results chan<- Outcome, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, results, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Info("Worker started")

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Info("Worker finished - no more tasks")
				return
			}

			result, err := p.processor.Process(ctx, task, Budget(ctx, p.budget))
			if results != nil {
				select {
				case results <- Outcome{Task: task, Result: result, Err: err}:
				case <-ctx.Done():
				}
			}

		case <-ctx.Done():
			logger.Info("Worker stopped - context cancelled")
			return
		}
	}
}

// Budget returns a remaining-time function for a budget starting now. It
// reports zero once ctx is done so a running slice stops at the next chunk.
func Budget(ctx context.Context, budget time.Duration) transfer.RemainingFunc {
	deadline := time.Now().Add(budget)
	return func() time.Duration {
		if ctx.Err() != nil {
			return 0
		}
		return time.Until(deadline)
	}
}
