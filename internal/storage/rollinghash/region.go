package rollinghash

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is the fixed-size memory backing a ring
type Region interface {
	Bytes() []byte
	Sync() error
	Close() error
}

type heapRegion struct {
	buf []byte
}

// NewHeapRegion returns a zeroed in-memory region
func NewHeapRegion(size int) Region {
	return &heapRegion{buf: make([]byte, size)}
}

func (h *heapRegion) Bytes() []byte { return h.buf }
func (h *heapRegion) Sync() error   { return nil }
func (h *heapRegion) Close() error  { return nil }

// FileRegion is a region memory-mapped from a file
type FileRegion struct {
	file *os.File
	data []byte
	path string
}

// OpenFileRegion maps path into memory, creating and sizing the file when
// needed. Existing files must already have the requested size.
func OpenFileRegion(path string, size int) (*FileRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat region file: %w", err)
	}

	switch info.Size() {
	case 0:
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size region file: %w", err)
		}
	case int64(size):
	default:
		f.Close()
		return nil, fmt.Errorf("region file %s has size %d, expected %d", path, info.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap region file: %w", err)
	}

	return &FileRegion{file: f, data: data, path: path}, nil
}

// Bytes returns the mapped memory
func (r *FileRegion) Bytes() []byte { return r.data }

// Path returns the backing file path
func (r *FileRegion) Path() string { return r.path }

// Sync flushes dirty pages to the file
func (r *FileRegion) Sync() error {
	if r.data == nil {
		return nil
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Close unmaps the region and closes the file
func (r *FileRegion) Close() error {
	if r.data == nil {
		return nil
	}
	syncErr := r.Sync()
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}
	r.data = nil
	if err := r.file.Close(); err != nil {
		return err
	}
	return syncErr
}
