// Package remote establishes authenticated SFTP sessions and exposes the
// small set of file operations the transfer engine needs.
package remote

import (
	"errors"
	"io"
	"io/fs"
)

// ErrIdentityMismatch is returned when the server's host key fingerprint
// differs from the pinned value
var ErrIdentityMismatch = errors.New("host fingerprint mismatch")

// Session is a stateful remote file system connection. A Session is owned by
// exactly one attempt and is not safe for concurrent writers.
type Session interface {
	// Stat returns the size of the file at path, or an error satisfying IsNotExist
	Stat(path string) (int64, error)

	// Mkdir creates a single directory
	Mkdir(path string) error

	// OpenWriter opens path for writing at offset. Offset 0 truncates or creates the file.
	OpenWriter(path string, offset int64) (io.WriteCloser, error)

	// Rename moves oldpath to newpath
	Rename(oldpath, newpath string) error

	// Remove deletes the file at path
	Remove(path string) error

	Close() error
}

// IsNotExist reports whether err means the remote path does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
