package worker

import (
	"context"
	"fmt"

	"s3tosftp/internal/checkpoint"
	"s3tosftp/internal/transfer"
)

// Scheduler hands an unfinished transfer to a later run
type Scheduler interface {
	Schedule(ctx context.Context, task Task, slice transfer.Slice) error
}

// StoreScheduler queues continuations in the checkpoint store, where the
// serve loop claims them
type StoreScheduler struct {
	store checkpoint.Store
}

// NewStoreScheduler creates a scheduler backed by store
func NewStoreScheduler(store checkpoint.Store) *StoreScheduler {
	return &StoreScheduler{store: store}
}

func (s *StoreScheduler) Schedule(ctx context.Context, task Task, slice transfer.Slice) error {
	err := s.store.Enqueue(&checkpoint.TaskRecord{
		Bucket:     task.Bucket,
		Key:        task.Key,
		RemoteDir:  task.RemoteDir,
		BytesSent:  slice.Sent,
		TotalBytes: slice.Total,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue continuation: %w", err)
	}
	return nil
}
