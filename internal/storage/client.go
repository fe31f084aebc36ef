package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrShortRead is returned when a range read yields fewer bytes than requested
var ErrShortRead = errors.New("short range read")

// Client defines the read-only view of the source blob store
type Client interface {
	// HeadObject returns the object length and metadata
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// ReadRange returns exactly end-start+1 bytes of the object, start and end inclusive
	ReadRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// Config contains client configuration
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// New creates the client selected by cfg.Provider
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "minio":
		return NewMinIOClient(cfg)
	case "aws":
		return NewS3Client(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown source provider %q", cfg.Provider)
	}
}

func checkRange(start, end int64) error {
	if start < 0 || end < start {
		return fmt.Errorf("invalid range [%d, %d]", start, end)
	}
	return nil
}

func checkLength(got int, start, end int64) error {
	if want := end - start + 1; int64(got) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortRead, got, want)
	}
	return nil
}
