package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"s3tosftp/internal/checkpoint"
	"s3tosftp/internal/credentials"
	"s3tosftp/internal/metrics"
	"s3tosftp/internal/remote"
	"s3tosftp/internal/transfer"

	"go.uber.org/zap"
)

// Connector opens a fresh authenticated session
type Connector interface {
	Connect(ctx context.Context, cred credentials.Credential) (remote.Session, error)
}

// Transferer runs one slice of a transfer
type Transferer interface {
	Transfer(ctx context.Context, job *transfer.Job, fs remote.Session, remaining transfer.RemainingFunc) (transfer.Slice, error)
}

// Publisher makes a completed partial artifact visible
type Publisher interface {
	Publish(fs remote.Session, partialPath, finalPath string, expectedSize int64) error
}

// MetricsSink receives run outcomes
type MetricsSink interface {
	RecordRun(s metrics.Sample)
	IncAttempt(outcome string)
	AddInflight(delta int)
}

// Dependencies are the collaborators of a TaskProcessor. Checkpoint may be
// nil, in which case no lease is taken and no outcome is recorded.
type Dependencies struct {
	Resolver   credentials.Resolver
	Connector  Connector
	Engine     Transferer
	Publisher  Publisher
	Scheduler  Scheduler
	Checkpoint checkpoint.Store
	Metrics    MetricsSink
	// Owner identifies this process when taking leases
	Owner string
}

// TaskProcessor runs a task with bounded retries. Every attempt resolves
// the credential and opens its own session.
type TaskProcessor struct {
	config     Config
	resolver   credentials.Resolver
	connector  Connector
	engine     Transferer
	publisher  Publisher
	scheduler  Scheduler
	checkpoint checkpoint.Store
	metrics    MetricsSink
	owner      string
	logger     *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
	now    func() time.Time
}

// NewTaskProcessor creates a processor
func NewTaskProcessor(config Config, deps Dependencies, logger *zap.Logger) *TaskProcessor {
	return &TaskProcessor{
		config:     config,
		resolver:   deps.Resolver,
		connector:  deps.Connector,
		engine:     deps.Engine,
		publisher:  deps.Publisher,
		scheduler:  deps.Scheduler,
		checkpoint: deps.Checkpoint,
		metrics:    deps.Metrics,
		owner:      deps.Owner,
		logger:     logger,
		sleep:      sleepContext,
		jitter:     tenPercentJitter,
		now:        time.Now,
	}
}

// Process transfers task until it is published, handed to a continuation,
// or fails for good. A failure is returned as *TerminalError.
func (p *TaskProcessor) Process(ctx context.Context, task Task, remaining transfer.RemainingFunc) (Result, error) {
	startTime := p.now()
	logger := p.logger.With(zap.String("bucket", task.Bucket), zap.String("key", task.Key))

	if err := transfer.NewJob(task.Bucket, task.Key, task.RemoteDir).Validate(); err != nil {
		return Result{}, &TerminalError{Task: task, Err: err}
	}

	if p.checkpoint != nil && p.config.LeaseTTL > 0 {
		if err := p.checkpoint.AcquireLease(task.Bucket, task.Key, p.owner, p.config.LeaseTTL); err != nil {
			logger.Error("Job is locked by another run", zap.Error(err))
			return Result{}, &TerminalError{Task: task, Err: err}
		}
		defer func() {
			if err := p.checkpoint.ReleaseLease(task.Bucket, task.Key, p.owner); err != nil {
				logger.Warn("Failed to release lease", zap.Error(err))
			}
		}()
	}

	if p.metrics != nil {
		p.metrics.AddInflight(1)
		defer p.metrics.AddInflight(-1)
	}

	finish := func(result Result, attempt int) (Result, error) {
		result.Bucket = task.Bucket
		result.Key = task.Key
		result.Attempts = attempt
		result.DurationMs = p.now().Sub(startTime).Milliseconds()
		p.recordSuccess(task, result, logger)
		return result, nil
	}

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		result, slice, err := p.attempt(ctx, task, remaining, logger)
		if err == nil {
			return finish(result, attempt)
		}

		lastErr = err
		p.incAttempt("failed")
		logger.Warn("Transfer attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.config.Retries),
			zap.Error(err),
		)

		// a shutdown must leave the job queued, not failed
		if ctx.Err() != nil && !errors.Is(err, remote.ErrIdentityMismatch) {
			result, err := p.handOff(ctx, task, slice, logger)
			if err == nil {
				return finish(result, attempt)
			}
			lastErr = err
			break
		}

		if !isRetriableError(err) || attempt >= p.config.Retries {
			break
		}

		backoff := p.calculateBackoff(attempt)
		logger.Info("Retrying transfer", zap.Duration("backoff", backoff))
		if err := p.sleep(ctx, backoff); err != nil {
			result, err := p.handOff(ctx, task, slice, logger)
			if err == nil {
				return finish(result, attempt)
			}
			lastErr = err
			break
		}
	}

	duration := p.now().Sub(startTime)
	p.recordRun(task, "failed", 0, attempt, duration)
	p.markFailed(task, lastErr, attempt, logger)
	logger.Error("Transfer failed",
		zap.Int("attempts", attempt),
		zap.Duration("duration", duration),
		zap.Error(lastErr),
	)
	return Result{Bucket: task.Bucket, Key: task.Key, Attempts: attempt}, &TerminalError{Task: task, Attempts: attempt, Err: lastErr}
}

// attempt runs one session. Chunk I/O runs on a context detached from
// cancellation so a started chunk always finishes; shutdown is observed
// through remaining.
func (p *TaskProcessor) attempt(ctx context.Context, task Task, remaining transfer.RemainingFunc, logger *zap.Logger) (Result, transfer.Slice, error) {
	job := transfer.NewJob(task.Bucket, task.Key, task.RemoteDir)
	slice := transfer.Slice{PartialPath: job.PartialPath(), FinalPath: job.FinalPath()}

	cred, err := p.resolver.Resolve(ctx, p.config.SecretID)
	if err != nil {
		return Result{}, slice, fmt.Errorf("failed to resolve credential: %w", err)
	}

	session, err := p.connector.Connect(ctx, cred)
	if err != nil {
		return Result{}, slice, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug("Failed to close session", zap.Error(err))
		}
	}()

	ioCtx := context.WithoutCancel(ctx)
	slice, err = p.engine.Transfer(ioCtx, job, session, remaining)
	if err != nil {
		return Result{}, slice, err
	}

	if slice.Complete() {
		if err := p.publisher.Publish(session, slice.PartialPath, slice.FinalPath, slice.Total); err != nil {
			return Result{}, slice, err
		}
		logger.Info("Transfer complete",
			zap.String("remote_path", slice.FinalPath),
			zap.Int64("bytes", slice.Total),
		)
		return Result{Status: StatusComplete, RemotePath: slice.FinalPath, Bytes: slice.Total, Total: slice.Total, Sent: slice.Sent}, slice, nil
	}

	result, err := p.handOff(ioCtx, task, slice, logger)
	return result, slice, err
}

// handOff queues the rest of the transfer. Resume reads the partial
// artifact, so slice byte counts are informational only.
func (p *TaskProcessor) handOff(ctx context.Context, task Task, slice transfer.Slice, logger *zap.Logger) (Result, error) {
	if err := p.scheduler.Schedule(context.WithoutCancel(ctx), task, slice); err != nil {
		return Result{}, fmt.Errorf("failed to schedule continuation: %w", err)
	}
	logger.Info("Continuation scheduled",
		zap.Int64("sent", slice.Sent),
		zap.Int64("total", slice.Total),
	)
	return Result{Status: StatusContinuation, Sent: slice.Sent, Total: slice.Total}, nil
}

func (p *TaskProcessor) recordSuccess(task Task, result Result, logger *zap.Logger) {
	p.incAttempt(string(result.Status))

	bytesSent := result.Sent
	if result.Status == StatusComplete {
		bytesSent = result.Bytes
	}
	p.recordRun(task, string(result.Status), bytesSent, 1, time.Duration(result.DurationMs)*time.Millisecond)

	if p.checkpoint == nil || result.Status != StatusComplete {
		return
	}
	record := p.loadRecord(task)
	record.Status = checkpoint.StatusCompleted
	record.BytesSent = result.Bytes
	record.TotalBytes = result.Bytes
	record.Attempts += result.Attempts
	record.LastError = ""
	if err := p.checkpoint.SaveTask(record); err != nil {
		logger.Error("Failed to save completed task", zap.Error(err))
	}
}

func (p *TaskProcessor) markFailed(task Task, err error, attempts int, logger *zap.Logger) {
	if p.checkpoint == nil || errors.Is(err, checkpoint.ErrLeaseHeld) {
		return
	}
	record := p.loadRecord(task)
	record.Status = checkpoint.StatusFailed
	record.Attempts += attempts
	record.LastError = err.Error()
	if saveErr := p.checkpoint.SaveTask(record); saveErr != nil {
		logger.Error("Failed to save failed task", zap.Error(saveErr))
	}
}

func (p *TaskProcessor) loadRecord(task Task) *checkpoint.TaskRecord {
	record, err := p.checkpoint.GetTask(task.Bucket, task.Key)
	if err != nil || record == nil {
		record = &checkpoint.TaskRecord{Bucket: task.Bucket, Key: task.Key}
	}
	record.RemoteDir = task.RemoteDir
	return record
}

func (p *TaskProcessor) recordRun(task Task, status string, bytesSent int64, runs int, duration time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordRun(metrics.Sample{
		Function:  p.config.Function,
		Bucket:    task.Bucket,
		Key:       task.Key,
		Status:    status,
		BytesSent: bytesSent,
		Runs:      runs,
		Duration:  duration,
	})
}

func (p *TaskProcessor) incAttempt(outcome string) {
	if p.metrics != nil {
		p.metrics.IncAttempt(outcome)
	}
}

// isRetriableError reports whether another attempt could succeed. A host
// identity mismatch is never retried.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, remote.ErrIdentityMismatch) &&
		!errors.Is(err, checkpoint.ErrLeaseHeld) &&
		!errors.Is(err, context.Canceled)
}

func (p *TaskProcessor) calculateBackoff(attempt int) time.Duration {
	backoff := p.config.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
	return backoff + p.jitter(backoff)
}

func tenPercentJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/10 + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
