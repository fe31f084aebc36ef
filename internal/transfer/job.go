package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"s3tosftp/internal/storage"
)

// PartialSuffix is appended to the final path while a transfer is in flight
const PartialSuffix = ".part"

// Job identifies one logical transfer. Paths are derived deterministically
// from the job parameters so every re-invocation resolves the same artifact.
type Job struct {
	Bucket    string
	Key       string
	RemoteDir string

	total      int64
	totalKnown bool
}

// NewJob creates a job with an unknown total length
func NewJob(bucket, key, remoteDir string) *Job {
	return &Job{Bucket: bucket, Key: key, RemoteDir: remoteDir}
}

// Validate checks that the job names a source object and a file name
func (j *Job) Validate() error {
	if j.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if j.Key == "" || strings.HasSuffix(j.Key, "/") {
		return fmt.Errorf("key %q does not name an object", j.Key)
	}
	if j.RemoteDir == "" {
		return fmt.Errorf("remote directory is required")
	}
	return nil
}

// FinalPath is the published location of the object
func (j *Job) FinalPath() string {
	return strings.TrimRight(j.RemoteDir, "/") + "/" + path.Base(j.Key)
}

// PartialPath is where bytes accumulate before publish
func (j *Job) PartialPath() string {
	return j.FinalPath() + PartialSuffix
}

// SetTotal fixes the object length, e.g. from a trigger that already carries it
func (j *Job) SetTotal(total int64) {
	j.total = total
	j.totalKnown = true
}

// Total returns the object length, asking the source on first use
func (j *Job) Total(ctx context.Context, source storage.Client) (int64, error) {
	if j.totalKnown {
		return j.total, nil
	}

	info, err := source.HeadObject(ctx, j.Bucket, j.Key)
	if err != nil {
		return 0, err
	}
	j.SetTotal(info.Size)
	return j.total, nil
}
