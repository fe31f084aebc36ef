// Package transfertest provides in-memory source and remote file system
// doubles for transfer tests.
package transfertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"s3tosftp/internal/storage"
)

// Range is an inclusive byte range
type Range struct {
	Start, End int64
}

// MemSource is an in-memory storage.Client
type MemSource struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   []Range
	heads   int

	// FailRead, when set, is consulted before each range read
	FailRead func(start, end int64) error
	// HeadErr is returned by HeadObject when set
	HeadErr error
}

// NewMemSource creates a source holding the given objects keyed by "bucket/key"
func NewMemSource(objects map[string][]byte) *MemSource {
	if objects == nil {
		objects = map[string][]byte{}
	}
	return &MemSource{objects: objects}
}

func (s *MemSource) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heads++
	if s.HeadErr != nil {
		return storage.ObjectInfo{}, s.HeadErr
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *MemSource) ReadRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailRead != nil {
		if err := s.FailRead(start, end); err != nil {
			return nil, err
		}
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	if start < 0 || end < start || end >= int64(len(data)) {
		return nil, fmt.Errorf("%w: [%d, %d] of %d", storage.ErrShortRead, start, end, len(data))
	}
	s.reads = append(s.reads, Range{Start: start, End: end})

	out := make([]byte, end-start+1)
	copy(out, data[start:end+1])
	return out, nil
}

// Reads returns every range served so far
func (s *MemSource) Reads() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Range(nil), s.reads...)
}

// Heads returns how many times HeadObject was called
func (s *MemSource) Heads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads
}

// MemFS is an in-memory remote.Session
type MemFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	renames int
	closed  bool

	// WriteLimit, when positive, fails writes once a file would grow past it
	WriteLimit int64
	// StatErr is returned for every Stat when set
	StatErr error
	// MkdirErr is returned for every Mkdir when set
	MkdirErr error
	// OnMkdir runs before a directory is created
	OnMkdir func(path string)
}

// NewMemFS creates an empty file system with a root directory
func NewMemFS() *MemFS {
	return &MemFS{
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true},
	}
}

func (m *MemFS) Stat(path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatErr != nil {
		return 0, m.StatErr
	}
	if data, ok := m.files[path]; ok {
		return int64(len(data)), nil
	}
	if m.dirs[path] {
		return 0, nil
	}
	return 0, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
}

func (m *MemFS) Mkdir(path string) error {
	if m.OnMkdir != nil {
		m.OnMkdir(path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MkdirErr != nil {
		return m.MkdirErr
	}
	if m.dirs[path] {
		return &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrExist}
	}
	m.dirs[path] = true
	return nil
}

// AddDir creates a directory directly, bypassing hooks
func (m *MemFS) AddDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path] = true
}

func (m *MemFS) OpenWriter(path string, offset int64) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset == 0 {
		m.files[path] = []byte{}
	} else if int64(len(m.files[path])) < offset {
		return nil, fmt.Errorf("offset %d beyond end of %s", offset, path)
	}
	return &memWriter{fs: m, path: path, pos: offset}, nil
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[oldpath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldpath, Err: fs.ErrNotExist}
	}
	if _, exists := m.files[newpath]; exists {
		return &fs.PathError{Op: "rename", Path: newpath, Err: fs.ErrExist}
	}
	delete(m.files, oldpath)
	m.files[newpath] = data
	m.renames++
	return nil
}

func (m *MemFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[path]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(m.files, path)
	return nil
}

func (m *MemFS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// PutFile stores a file directly
func (m *MemFS) PutFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
}

// File returns a copy of the file contents
func (m *MemFS) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return append([]byte(nil), data...), ok
}

// Dirs returns the sorted directory paths
func (m *MemFS) Dirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for d := range m.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Renames returns how many renames succeeded
func (m *MemFS) Renames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renames
}

// Closed reports whether Close was called
func (m *MemFS) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ErrWriteLimit is returned once MemFS.WriteLimit is reached
var ErrWriteLimit = errors.New("connection reset")

type memWriter struct {
	fs   *MemFS
	path string
	pos  int64
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()

	n := len(p)
	var err error
	if w.fs.WriteLimit > 0 && w.pos+int64(n) > w.fs.WriteLimit {
		n = int(w.fs.WriteLimit - w.pos)
		if n < 0 {
			n = 0
		}
		err = ErrWriteLimit
	}

	data := w.fs.files[w.path]
	if end := w.pos + int64(n); end > int64(len(data)) {
		data = append(data, make([]byte, end-int64(len(data)))...)
	}
	copy(data[w.pos:], p[:n])
	w.fs.files[w.path] = data
	w.pos += int64(n)
	return n, err
}

func (w *memWriter) Close() error {
	return nil
}
