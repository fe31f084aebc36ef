package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"s3tosftp/internal/progress"
	"s3tosftp/internal/remote"
	"s3tosftp/internal/storage"
)

const progressLogInterval = 32 * 1024 * 1024

// RemainingFunc reports how much of the invocation's time budget is left
type RemainingFunc func() time.Duration

// Slice is the outcome of one engine run. The transfer is complete when
// Sent equals Total; otherwise Sent is the offset to resume from.
type Slice struct {
	Sent        int64
	Total       int64
	PartialPath string
	FinalPath   string
}

// Complete reports whether every byte has been written
func (s Slice) Complete() bool {
	return s.Sent == s.Total
}

// Options configures an Engine
type Options struct {
	ChunkSize    int64
	SafetyMargin time.Duration
	// Tracker, when set, receives byte progress
	Tracker *progress.Tracker
}

// Engine streams an object from the source into a partial remote artifact
// in fixed-size chunks, resuming from whatever the artifact already holds.
type Engine struct {
	source       storage.Client
	chunkSize    int64
	safetyMargin time.Duration
	tracker      *progress.Tracker
	logger       *zap.Logger
}

// NewEngine creates an engine reading from source
func NewEngine(source storage.Client, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		source:       source,
		chunkSize:    opts.ChunkSize,
		safetyMargin: opts.SafetyMargin,
		tracker:      opts.Tracker,
		logger:       logger,
	}
}

// Transfer moves bytes until the object is complete or remaining() drops to
// the safety margin. A chunk that has started always finishes. Any read or
// write failure aborts the slice with an *IOError.
func (e *Engine) Transfer(ctx context.Context, job *Job, fs remote.Session, remaining RemainingFunc) (Slice, error) {
	if e.chunkSize <= 0 {
		return Slice{}, fmt.Errorf("chunk size must be positive, got %d", e.chunkSize)
	}

	slice := Slice{
		PartialPath: job.PartialPath(),
		FinalPath:   job.FinalPath(),
	}

	total, err := job.Total(ctx, e.source)
	if err != nil {
		return slice, &IOError{Op: "head", Path: job.Bucket + "/" + job.Key, Err: err}
	}
	slice.Total = total

	if err := MkdirAll(fs, job.RemoteDir); err != nil {
		return slice, &IOError{Op: "mkdir", Path: job.RemoteDir, Err: err}
	}

	offset, err := e.resumeOffset(fs, slice.PartialPath)
	if err != nil {
		return slice, err
	}
	slice.Sent = offset
	if offset > total {
		return slice, fmt.Errorf("%w: %s has %d bytes but the object has %d",
			ErrSizeMismatch, slice.PartialPath, offset, total)
	}

	logger := e.logger.With(zap.String("key", job.Key), zap.String("partial", slice.PartialPath))
	logger.Info("Start slice",
		zap.Int64("total", total),
		zap.Int64("offset", offset),
		zap.Int64("chunk", e.chunkSize),
	)
	if e.tracker != nil {
		e.tracker.Start(total, offset)
	}

	w, err := fs.OpenWriter(slice.PartialPath, offset)
	if err != nil {
		return slice, &IOError{Op: "open", Path: slice.PartialPath, Offset: offset, Err: err}
	}

	pos, copyErr := e.copyChunks(ctx, job, w, offset, total, remaining, logger)
	slice.Sent = pos
	closeErr := w.Close()

	if copyErr != nil {
		return slice, copyErr
	}
	if closeErr != nil {
		return slice, &IOError{Op: "close", Path: slice.PartialPath, Offset: pos, Err: closeErr}
	}
	return slice, nil
}

func (e *Engine) resumeOffset(fs remote.Session, partialPath string) (int64, error) {
	size, err := fs.Stat(partialPath)
	if err == nil {
		return size, nil
	}
	if remote.IsNotExist(err) {
		return 0, nil
	}
	return 0, &IOError{Op: "stat", Path: partialPath, Err: err}
}

func (e *Engine) copyChunks(
	ctx context.Context,
	job *Job,
	w io.Writer,
	pos, total int64,
	remaining RemainingFunc,
	logger *zap.Logger,
) (int64, error) {
	lastLog := pos

	for pos < total {
		if remaining() <= e.safetyMargin {
			logger.Info("Time budget exhausted, yielding",
				zap.Int64("pos", pos),
				zap.Int64("total", total),
			)
			return pos, nil
		}

		end := min(pos+e.chunkSize, total) - 1
		data, err := e.source.ReadRange(ctx, job.Bucket, job.Key, pos, end)
		if err != nil {
			return pos, &IOError{Op: "read", Path: job.Bucket + "/" + job.Key, Offset: pos, Err: err}
		}

		n, err := w.Write(data)
		pos += int64(n)
		if e.tracker != nil && n > 0 {
			e.tracker.AddBytes(int64(n))
		}
		if err != nil {
			return pos, &IOError{Op: "write", Path: job.PartialPath(), Offset: pos, Err: err}
		}

		if pos-lastLog >= progressLogInterval {
			logger.Info("Progress",
				zap.String("sent", progress.FormatBytes(pos)),
				zap.String("total", progress.FormatBytes(total)),
				zap.Float64("percent", float64(pos)/float64(total)*100),
			)
			lastLog = pos
		}
	}

	return pos, nil
}
