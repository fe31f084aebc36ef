package checkpoint

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(60000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		remote_dir TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		runs INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, key)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

const selectColumns = `bucket, key, remote_dir, status, bytes_sent, total_bytes, attempts, runs,
	last_error, lease_owner, lease_expires, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var record TaskRecord
	var lastError sql.NullString
	var leaseExpires, updatedAt int64

	err := row.Scan(
		&record.Bucket,
		&record.Key,
		&record.RemoteDir,
		&record.Status,
		&record.BytesSent,
		&record.TotalBytes,
		&record.Attempts,
		&record.Runs,
		&lastError,
		&record.LeaseOwner,
		&leaseExpires,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		record.LastError = lastError.String
	}
	if leaseExpires > 0 {
		record.LeaseExpires = time.UnixMilli(leaseExpires)
	}
	record.UpdatedAt = time.UnixMilli(updatedAt)
	return &record, nil
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}
	return nil
}

// GetTask retrieves a task record, nil when absent
func (s *SQLiteStore) GetTask(bucket, key string) (*TaskRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var result *TaskRecord
	err := s.retryOnBusy(func() error {
		row := s.db.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE bucket = ? AND key = ?`, bucket, key)
		record, err := scanRecord(row)
		if err == sql.ErrNoRows {
			result = nil
			return nil
		}
		result = record
		return err
	})
	return result, err
}

// SaveTask saves or updates a task record. Lease columns are left untouched.
func (s *SQLiteStore) SaveTask(record *TaskRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.UpdatedAt = s.now()
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO tasks
		(bucket, key, remote_dir, status, bytes_sent, total_bytes, attempts, runs, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			remote_dir = excluded.remote_dir,
			status = excluded.status,
			bytes_sent = excluded.bytes_sent,
			total_bytes = excluded.total_bytes,
			attempts = excluded.attempts,
			runs = excluded.runs,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		`,
			record.Bucket,
			record.Key,
			record.RemoteDir,
			record.Status,
			record.BytesSent,
			record.TotalBytes,
			record.Attempts,
			record.Runs,
			record.LastError,
			record.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to execute upsert: %w", err)
		}
		return nil
	})
}

// Enqueue marks a job pending so a later run picks it up. Each enqueue
// counts one more run of the job.
func (s *SQLiteStore) Enqueue(record *TaskRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.Status = StatusPending
	record.UpdatedAt = s.now()
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO tasks
		(bucket, key, remote_dir, status, bytes_sent, total_bytes, runs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			remote_dir = excluded.remote_dir,
			status = excluded.status,
			bytes_sent = excluded.bytes_sent,
			total_bytes = excluded.total_bytes,
			runs = tasks.runs + 1,
			last_error = NULL,
			updated_at = excluded.updated_at
		`,
			record.Bucket,
			record.Key,
			record.RemoteDir,
			record.Status,
			record.BytesSent,
			record.TotalBytes,
			record.UpdatedAt.UnixMilli(),
		)
		return err
	})
}

// ClaimPending moves up to limit pending jobs without a live lease to
// in_progress, leases them to owner for ttl and returns them, oldest first.
// In-progress jobs whose lease expired without release belong to a crashed
// run and are claimed again.
func (s *SQLiteStore) ClaimPending(limit int, owner string, ttl time.Duration) ([]*TaskRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var claimed []*TaskRecord
	err := s.retryOnBusy(func() error {
		claimed = nil

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		now := s.now()
		rows, err := tx.Query(`SELECT `+selectColumns+` FROM tasks
			WHERE (status = ? AND (lease_owner = '' OR lease_expires < ?))
				OR (status = ? AND lease_owner != '' AND lease_expires < ?)
			ORDER BY updated_at ASC LIMIT ?`,
			StatusPending, now.UnixMilli(), StatusInProgress, now.UnixMilli(), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, record)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, record := range claimed {
			_, err := tx.Exec(`UPDATE tasks SET status = ?, lease_owner = ?, lease_expires = ?, updated_at = ?
				WHERE bucket = ? AND key = ?`,
				StatusInProgress, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(), record.Bucket, record.Key)
			if err != nil {
				return err
			}
			record.Status = StatusInProgress
			record.LeaseOwner = owner
			record.LeaseExpires = time.UnixMilli(now.Add(ttl).UnixMilli())
			record.UpdatedAt = time.UnixMilli(now.UnixMilli())
		}

		return tx.Commit()
	})
	return claimed, err
}

// AcquireLease grants owner exclusive write access to the job until ttl
// passes. Re-acquiring an owned lease extends it.
func (s *SQLiteStore) AcquireLease(bucket, key, owner string, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.Exec(`
		INSERT INTO tasks (bucket, key, status, lease_owner, lease_expires, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			status = excluded.status,
			lease_owner = excluded.lease_owner,
			lease_expires = excluded.lease_expires,
			updated_at = excluded.updated_at
		WHERE tasks.lease_owner = '' OR tasks.lease_owner = excluded.lease_owner OR tasks.lease_expires < ?
		`,
			bucket, key, StatusInProgress, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrLeaseHeld, bucket, key)
	}
	return nil
}

// ReleaseLease drops owner's lease. Releasing a lease held by someone else is a no-op.
func (s *SQLiteStore) ReleaseLease(bucket, key, owner string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`UPDATE tasks SET lease_owner = '', lease_expires = 0
			WHERE bucket = ? AND key = ? AND lease_owner = ?`, bucket, key, owner)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// ListPendingTasks returns all pending tasks
func (s *SQLiteStore) ListPendingTasks() ([]*TaskRecord, error) {
	return s.listTasksByStatus(StatusPending)
}

// ListFailedTasks returns all failed tasks
func (s *SQLiteStore) ListFailedTasks() ([]*TaskRecord, error) {
	return s.listTasksByStatus(StatusFailed)
}

func (s *SQLiteStore) listTasksByStatus(status TaskStatus) ([]*TaskRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM tasks WHERE status = ? ORDER BY updated_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
