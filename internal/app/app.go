package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"s3tosftp/internal/checkpoint"
	"s3tosftp/internal/config"
	"s3tosftp/internal/credentials"
	"s3tosftp/internal/metrics"
	"s3tosftp/internal/progress"
	"s3tosftp/internal/remote"
	"s3tosftp/internal/storage"
	"s3tosftp/internal/transfer"
	"s3tosftp/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type taskRunner interface {
	Process(ctx context.Context, task worker.Task, remaining transfer.RemainingFunc) (worker.Result, error)
}

// Service wires the transfer pipeline together
type Service struct {
	cfg        *config.Config
	logger     *zap.Logger
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	tracker    *progress.Tracker
	processor  taskRunner
	pool       *worker.Pool
	owner      string
}

// New creates a new service instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	source, err := storage.New(ctx, storage.Config{
		Provider:  cfg.Source.Provider,
		Endpoint:  cfg.Source.Endpoint,
		Region:    cfg.Source.Region,
		AccessKey: cfg.Source.AccessKey,
		SecretKey: cfg.Source.SecretKey,
		Secure:    cfg.Source.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	resolver, err := newResolver(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential resolver: %w", err)
	}

	connector := remote.NewConnector(remote.Config{
		Host:              cfg.SFTP.Host,
		Port:              cfg.SFTP.Port,
		Username:          cfg.SFTP.Username,
		ConnectTimeout:    cfg.ConnectTimeout(),
		KeepaliveInterval: cfg.Keepalive(),
		HostFingerprint:   cfg.SFTP.HostFingerprint,
	}, logger)

	// Create checkpoint store
	checkpointStore, err := checkpoint.NewSQLiteStore(cfg.Transfer.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	// Create metrics collector
	metricsCollector := metrics.New(metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		EMF:       cfg.Metrics.EMF,
		Output:    os.Stdout,
	}, logger)

	var tracker *progress.Tracker
	if cfg.Transfer.ShowProgress && progress.IsTerminalSupported() {
		tracker = progress.NewTracker()
	}

	engine := transfer.NewEngine(source, transfer.Options{
		ChunkSize:    cfg.ChunkSize(),
		SafetyMargin: cfg.SafetyMargin(),
		Tracker:      tracker,
	}, logger)

	owner := uuid.NewString()
	processor := worker.NewTaskProcessor(worker.Config{
		Retries:        cfg.Transfer.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		LeaseTTL:       cfg.LeaseTTL(),
		SecretID:       cfg.Secrets.SecretID,
		Function:       cfg.Metrics.Function,
	}, worker.Dependencies{
		Resolver:   resolver,
		Connector:  connector,
		Engine:     engine,
		Publisher:  transfer.NewPublisher(logger),
		Scheduler:  worker.NewStoreScheduler(checkpointStore),
		Checkpoint: checkpointStore,
		Metrics:    metricsCollector,
		Owner:      owner,
	}, logger.With(zap.String("owner", owner)))

	return &Service{
		cfg:        cfg,
		logger:     logger,
		checkpoint: checkpointStore,
		metrics:    metricsCollector,
		tracker:    tracker,
		processor:  processor,
		pool:       worker.NewPool(cfg.Transfer.Concurrency, cfg.TimeBudget(), processor, logger),
		owner:      owner,
	}, nil
}

func newResolver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (credentials.Resolver, error) {
	switch cfg.Secrets.Provider {
	case "file":
		return &credentials.FileResolver{Dir: cfg.Secrets.Dir}, nil
	default:
		region := cfg.Secrets.Region
		if region == "" {
			region = cfg.Source.Region
		}
		return credentials.NewSecretsManagerResolver(ctx, region, logger)
	}
}

// RunOnce runs every task within a single time budget. Tasks are processed
// one at a time; a failed task does not stop the others.
func (s *Service) RunOnce(ctx context.Context, tasks []worker.Task) ([]worker.Result, error) {
	remaining := worker.Budget(ctx, s.cfg.TimeBudget())
	display := s.startDisplay()
	defer display.Stop()

	var results []worker.Result
	var errs []error
	for _, task := range tasks {
		result, err := s.processor.Process(ctx, s.withTargetDir(task), remaining)
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// Follow keeps running slices of task, each with a fresh time budget, until
// it is published or fails. A cancelled ctx returns the last continuation.
func (s *Service) Follow(ctx context.Context, task worker.Task) (worker.Result, error) {
	display := s.startDisplay()
	defer display.Stop()

	task = s.withTargetDir(task)
	runs := 0
	for {
		runs++
		result, err := s.processor.Process(ctx, task, worker.Budget(ctx, s.cfg.TimeBudget()))
		if err != nil || result.Status == worker.StatusComplete {
			return result, err
		}
		if ctx.Err() != nil {
			s.logger.Info("Stopping with transfer unfinished",
				zap.String("key", task.Key),
				zap.Int64("sent", result.Sent),
				zap.Int64("total", result.Total),
			)
			return result, nil
		}
		s.logger.Info("Continuing transfer",
			zap.String("key", task.Key),
			zap.Int("run", runs),
			zap.Int64("sent", result.Sent),
			zap.Int64("total", result.Total),
		)
	}
}

// Serve claims queued continuations and processes them with the worker pool
// until ctx is cancelled
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info("Starting continuation worker",
		zap.String("owner", s.owner),
		zap.Int("concurrency", s.cfg.Transfer.Concurrency),
		zap.Duration("poll_interval", s.cfg.PollInterval()),
	)

	if s.cfg.Metrics.Addr != "" {
		go func() {
			if err := s.metrics.StartServer(ctx, s.cfg.Metrics.Addr); err != nil {
				s.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	tasks := make(chan worker.Task, s.cfg.Transfer.Concurrency)
	results := make(chan worker.Outcome, s.cfg.Transfer.Concurrency)

	var wg sync.WaitGroup
	s.pool.Start(ctx, tasks, results, &wg)

	go func() {
		for outcome := range results {
			if outcome.Err != nil {
				s.logger.Error("Queued transfer failed", zap.String("task", outcome.Task.String()), zap.Error(outcome.Err))
				continue
			}
			s.logger.Info("Queued transfer finished",
				zap.String("task", outcome.Task.String()),
				zap.String("status", string(outcome.Result.Status)),
				zap.Int("attempts", outcome.Result.Attempts),
			)
		}
	}()

	err := s.poll(ctx, tasks)
	close(tasks)
	wg.Wait()
	close(results)
	return err
}

func (s *Service) poll(ctx context.Context, tasks chan<- worker.Task) error {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		claimed, err := s.checkpoint.ClaimPending(s.cfg.Transfer.Concurrency, s.owner, s.cfg.LeaseTTL())
		if err != nil {
			s.logger.Error("Failed to claim queued transfers", zap.Error(err))
		}
		for i, record := range claimed {
			task := worker.Task{Bucket: record.Bucket, Key: record.Key, RemoteDir: record.RemoteDir}
			select {
			case tasks <- task:
				s.logger.Debug("Claimed queued transfer", zap.String("task", task.String()))
			case <-ctx.Done():
				s.requeue(claimed[i:])
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) withTargetDir(task worker.Task) worker.Task {
	if task.RemoteDir == "" {
		task.RemoteDir = s.cfg.SFTP.TargetDir
	}
	return task
}

// requeue returns claimed but unstarted jobs to the queue
func (s *Service) requeue(records []*checkpoint.TaskRecord) {
	for _, record := range records {
		record.Status = checkpoint.StatusPending
		if err := s.checkpoint.SaveTask(record); err != nil {
			s.logger.Error("Failed to requeue transfer", zap.String("key", record.Key), zap.Error(err))
			continue
		}
		if err := s.checkpoint.ReleaseLease(record.Bucket, record.Key, s.owner); err != nil {
			s.logger.Warn("Failed to release lease", zap.String("key", record.Key), zap.Error(err))
		}
	}
}

func (s *Service) startDisplay() *progress.Display {
	if s.tracker == nil {
		return nil
	}
	display := progress.NewDisplay(s.tracker, "transfer", 2*time.Second)
	display.Start()
	return display
}

// Close cleans up resources
func (s *Service) Close() error {
	if s.checkpoint != nil {
		return s.checkpoint.Close()
	}
	return nil
}
