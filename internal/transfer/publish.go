package transfer

import (
	"fmt"

	"go.uber.org/zap"

	"s3tosftp/internal/remote"
)

// Publisher moves a finished partial artifact to its final name
type Publisher struct {
	logger *zap.Logger
}

// NewPublisher creates a publisher
func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Publish checks the partial artifact holds exactly expectedSize bytes, drops
// any previous file at finalPath and renames the partial into place. Nothing
// is renamed on a size mismatch.
func (p *Publisher) Publish(fs remote.Session, partialPath, finalPath string, expectedSize int64) error {
	size, err := fs.Stat(partialPath)
	if err != nil {
		return &IOError{Op: "stat", Path: partialPath, Offset: expectedSize, Err: err}
	}
	if size != expectedSize {
		return fmt.Errorf("%w: %s has %d bytes, expected %d", ErrSizeMismatch, partialPath, size, expectedSize)
	}

	if err := fs.Remove(finalPath); err != nil && !remote.IsNotExist(err) {
		p.logger.Warn("Failed to remove previous file",
			zap.String("path", finalPath),
			zap.Error(err),
		)
	}

	if err := fs.Rename(partialPath, finalPath); err != nil {
		return &IOError{Op: "rename", Path: partialPath, Offset: size, Err: err}
	}

	p.logger.Info("Published",
		zap.String("path", finalPath),
		zap.Int64("size", size),
	)
	return nil
}
