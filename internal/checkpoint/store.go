package checkpoint

import (
	"errors"
	"time"
)

// ErrLeaseHeld is returned when another owner holds an unexpired lease on a job
var ErrLeaseHeld = errors.New("job lease held by another attempt")

// TaskStatus represents the status of a transfer job
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskRecord represents a job in the continuation queue. BytesSent and
// TotalBytes are informational; resume always re-reads the partial artifact.
type TaskRecord struct {
	Bucket       string     `json:"bucket"`
	Key          string     `json:"key"`
	RemoteDir    string     `json:"remote_dir"`
	Status       TaskStatus `json:"status"`
	BytesSent    int64      `json:"bytes_sent"`
	TotalBytes   int64      `json:"total_bytes"`
	Attempts     int        `json:"attempts"`
	Runs         int        `json:"runs"`
	LastError    string     `json:"last_error,omitempty"`
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseExpires time.Time  `json:"lease_expires,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Store defines the interface for the continuation queue and job leases
type Store interface {
	// Task operations
	GetTask(bucket, key string) (*TaskRecord, error)
	SaveTask(record *TaskRecord) error
	ListPendingTasks() ([]*TaskRecord, error)
	ListFailedTasks() ([]*TaskRecord, error)

	// Continuation queue
	Enqueue(record *TaskRecord) error
	ClaimPending(limit int, owner string, ttl time.Duration) ([]*TaskRecord, error)

	// Single-writer leases
	AcquireLease(bucket, key, owner string, ttl time.Duration) error
	ReleaseLease(bucket, key, owner string) error

	// Cleanup
	Close() error
}
