// Package platform provides the positional I/O primitives the rescue
// engine is built on: fd-backed devices with well-defined short-read
// semantics, durable sync, and zero-block detection.
package platform

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Reader reads at absolute positions. A short count with a nil error
// means the end of the input was reached; a non-nil error means an I/O
// failure beginning at off+n. Implementations never return io.EOF.
type Reader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Writer writes at absolute positions and can be made durable. Any
// short write is reported as an error.
type Writer interface {
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Size() (int64, error)
}

// Device is an fd-backed Reader/Writer over a regular file or block
// device.
type Device struct {
	f *os.File
}

// OpenInput opens path read-only.
func OpenInput(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Device{f: f}, nil
}

// OpenOutput opens path for positional read and write, creating it if
// needed. The file is never truncated; prior runs' data must survive.
func OpenOutput(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &Device{f: f}, nil
}

// ReadAt reads up to len(p) bytes at off, retrying EINTR and short
// reads. It returns the prefix actually read; see Reader for the
// short-count contract.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	fd := int(d.f.Fd())
	n := 0
	for n < len(p) {
		r, err := unix.Pread(fd, p[n:], off+int64(n))
		if r > 0 {
			n += r
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		break // r == 0: end of input
	}
	return n, nil
}

// WriteAt writes all of p at off, retrying EINTR. A short write is an
// error.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	fd := int(d.f.Fd())
	n := 0
	for n < len(p) {
		w, err := unix.Pwrite(fd, p[n:], off+int64(n))
		if w > 0 {
			n += w
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		return n, fmt.Errorf("short write at %d: %d of %d bytes", off, n, len(p))
	}
	return n, nil
}

// Sync flushes written data to the device. EINVAL means the target
// does not support syncing and is ignored.
func (d *Device) Sync() error {
	err := unix.Fsync(int(d.f.Fd()))
	if err == unix.EINVAL {
		return nil
	}
	return err
}

// Size returns the device size as seen by seeking to the end.
func (d *Device) Size() (int64, error) {
	return d.f.Seek(0, io.SeekEnd)
}

// Close closes the underlying descriptor.
func (d *Device) Close() error { return d.f.Close() }

// Name returns the path the device was opened with.
func (d *Device) Name() string { return d.f.Name() }
