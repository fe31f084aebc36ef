package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"s3tosftp/internal/worker"
)

// ErrEmptyTrigger is returned when an event names no object
var ErrEmptyTrigger = errors.New("trigger names no object")

type directTrigger struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	RemoteDir string `json:"remote_dir"`
}

type notification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseTrigger turns an invocation payload into tasks. It accepts either a
// direct {"bucket","key"} descriptor or an S3 event notification, whose
// object keys arrive URL-encoded.
func ParseTrigger(data []byte, remoteDir string) ([]worker.Task, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse trigger: %w", err)
	}

	if _, ok := probe["Records"]; ok {
		return parseNotification(data, remoteDir)
	}

	var direct directTrigger
	if err := json.Unmarshal(data, &direct); err != nil {
		return nil, fmt.Errorf("failed to parse trigger: %w", err)
	}
	if direct.Bucket == "" || direct.Key == "" {
		return nil, ErrEmptyTrigger
	}
	if direct.RemoteDir == "" {
		direct.RemoteDir = remoteDir
	}
	return []worker.Task{{Bucket: direct.Bucket, Key: direct.Key, RemoteDir: direct.RemoteDir}}, nil
}

func parseNotification(data []byte, remoteDir string) ([]worker.Task, error) {
	var event notification
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event notification: %w", err)
	}

	tasks := make([]worker.Task, 0, len(event.Records))
	for i, record := range event.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("record %d: bad object key %q: %w", i, record.S3.Object.Key, err)
		}
		if record.S3.Bucket.Name == "" || key == "" {
			return nil, fmt.Errorf("record %d: %w", i, ErrEmptyTrigger)
		}
		tasks = append(tasks, worker.Task{
			Bucket:    record.S3.Bucket.Name,
			Key:       key,
			RemoteDir: remoteDir,
		})
	}
	if len(tasks) == 0 {
		return nil, ErrEmptyTrigger
	}
	return tasks, nil
}
