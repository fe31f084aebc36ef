package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task represents one object to move to the remote directory
type Task struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	RemoteDir string `json:"remote_dir,omitempty"`
}

func (t Task) String() string {
	return t.Bucket + "/" + t.Key
}

// Config contains worker configuration
type Config struct {
	Retries        int
	RetryBaseDelay time.Duration
	// LeaseTTL bounds how long one run may hold a job. Zero disables leasing.
	LeaseTTL time.Duration
	SecretID string
	// Function tags metrics records with the invoking function name
	Function string
}

// Status is the outcome of a successful run
type Status string

const (
	StatusComplete     Status = "complete"
	StatusContinuation Status = "continuation"
)

// Result is returned when a run either published the object or handed the
// rest of the transfer to a continuation
type Result struct {
	Status     Status
	Bucket     string
	Key        string
	RemotePath string
	Bytes      int64
	Sent       int64
	Total      int64
	DurationMs int64
	Attempts   int
}

// MarshalJSON emits the fields relevant to the result's status
func (r Result) MarshalJSON() ([]byte, error) {
	body := map[string]interface{}{
		"status":     r.Status,
		"bucket":     r.Bucket,
		"key":        r.Key,
		"durationMs": r.DurationMs,
		"attempts":   r.Attempts,
	}
	switch r.Status {
	case StatusComplete:
		body["remotePath"] = r.RemotePath
		body["bytes"] = r.Bytes
	case StatusContinuation:
		body["sent"] = r.Sent
		body["total"] = r.Total
	}
	return json.Marshal(body)
}

// TerminalError is returned once a task has failed for good
type TerminalError struct {
	Task     Task
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("transfer of %s failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}
