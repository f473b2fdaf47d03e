// Package device provides read-only scan targets and drive discovery. The
// engine never opens a source for writing; every Target is an opaque
// addressable byte range.
package device

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Target is an addressable, read-only byte range: a file, an in-memory
// buffer, or a raw device region. Safe for concurrent ReadAt.
type Target interface {
	io.ReaderAt
	Size() int64
	Name() string
	Close() error
}

// FileTarget wraps a regular file (a trash entry, an image dump).
type FileTarget struct {
	f    *os.File
	size int64
	name string
}

// OpenFile opens path read-only.
func OpenFile(path string) (*FileTarget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat target: %w", err)
	}
	return &FileTarget{f: f, size: st.Size(), name: path}, nil
}

func (t *FileTarget) ReadAt(p []byte, off int64) (int, error) { return t.f.ReadAt(p, off) }
func (t *FileTarget) Size() int64                             { return t.size }
func (t *FileTarget) Name() string                            { return t.name }
func (t *FileTarget) Close() error                            { return t.f.Close() }

// BufferTarget wraps an in-memory byte slice; used by the self-check mode
// and tests.
type BufferTarget struct {
	r    *bytes.Reader
	name string
}

// NewBuffer wraps buf as a target. The caller must not mutate buf afterwards.
func NewBuffer(name string, buf []byte) *BufferTarget {
	return &BufferTarget{r: bytes.NewReader(buf), name: name}
}

func (t *BufferTarget) ReadAt(p []byte, off int64) (int, error) { return t.r.ReadAt(p, off) }
func (t *BufferTarget) Size() int64                             { return t.r.Size() }
func (t *BufferTarget) Name() string                            { return t.name }
func (t *BufferTarget) Close() error                            { return nil }

// DeviceRegion exposes [start, end) of a raw device path. The path string
// is platform-specific and treated as opaque; reads outside the region are
// clamped.
type DeviceRegion struct {
	f          *os.File
	start, end int64
	name       string
}

// OpenDeviceRegion opens the raw device read-only and confines all reads to
// [start, end). end <= 0 means "to device end" where the size is statable.
func OpenDeviceRegion(path string, start, end int64) (*DeviceRegion, error) {
	if start < 0 {
		return nil, fmt.Errorf("device region: negative start %d", start)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	if end <= 0 {
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("size device: %w", err)
		}
		end = size
	}
	if end < start {
		f.Close()
		return nil, fmt.Errorf("device region: end %d before start %d", end, start)
	}
	return &DeviceRegion{f: f, start: start, end: end, name: fmt.Sprintf("%s[%d:%d]", path, start, end)}, nil
}

func (t *DeviceRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || t.start+off >= t.end {
		return 0, io.EOF
	}
	clamped := false
	if max := t.end - t.start - off; int64(len(p)) > max {
		p = p[:max]
		clamped = true
	}
	n, err := t.f.ReadAt(p, t.start+off)
	// io.ReaderAt: n < len(p) must come with an error, clamping included.
	if err == nil && clamped {
		err = io.EOF
	}
	return n, err
}

func (t *DeviceRegion) Size() int64  { return t.end - t.start }
func (t *DeviceRegion) Name() string { return t.name }
func (t *DeviceRegion) Close() error { return t.f.Close() }
