package remote

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpSession implements Session over pkg/sftp
type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client

	stopKeepalive chan struct{}
	closeOnce     sync.Once
}

func (s *sftpSession) Stat(path string) (int64, error) {
	fi, err := s.sftp.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *sftpSession) Mkdir(path string) error {
	return s.sftp.Mkdir(path)
}

// OpenWriter writes through pkg/sftp with concurrent writes enabled, so one
// Write may have several packets in flight. A failed Write truncates the file
// back to the end of the last fully acknowledged Write, leaving no hole for
// the next resume to skip over.
func (s *sftpSession) OpenWriter(path string, offset int64) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}

	f, err := s.sftp.OpenFile(path, flags)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek to %d: %w", offset, err)
		}
	}
	return &contiguousWriter{f: f, pos: offset}, nil
}

type truncatingFile interface {
	io.WriteCloser
	Truncate(size int64) error
}

// contiguousWriter keeps the remote file a gap-free prefix of the object
type contiguousWriter struct {
	f   truncatingFile
	pos int64
}

func (w *contiguousWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err == nil {
		w.pos += int64(n)
		return n, nil
	}

	if terr := w.f.Truncate(w.pos); terr != nil {
		return 0, fmt.Errorf("%w (truncate to %d failed: %v)", err, w.pos, terr)
	}
	return 0, err
}

func (w *contiguousWriter) Close() error {
	return w.f.Close()
}

func (s *sftpSession) Rename(oldpath, newpath string) error {
	return s.sftp.Rename(oldpath, newpath)
}

func (s *sftpSession) Remove(path string) error {
	return s.sftp.Remove(path)
}

func (s *sftpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopKeepalive)
		sftpErr := s.sftp.Close()
		err = s.ssh.Close()
		if err == nil {
			err = sftpErr
		}
	})
	return err
}
