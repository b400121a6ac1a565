/*Package blockdev defines the pluggable block-backend contract NBD
sessions read and write through (§4.G), plus a concrete backend for
regular files and already-sized block devices.

Detecting a block device and querying its size is the backend's
problem, not the protocol core's.  FileBackend covers the common
case - a regular file, whose size comes from stat(2) - and accepts a
caller-supplied size for the block-device case, where the caller
queries capacity by whatever platform-specific means apply
(BLKGETSIZE64, DKIOCGETBLOCKCOUNT, lseek(SEEK_END)).
*/
package blockdev

import (
	"os"
	"sync"

	"github.com/nasa-jpl/xoe/xoeerr"
)

// Backend is the contract an NBD session drives (§4.G).  All
// operations are expected to be internally serialised by the
// implementation's own I/O mutex; nbdsession does not add locking of
// its own around Backend calls.
type Backend interface {
	Pread(offset int64, length uint32) ([]byte, error)
	Pwrite(offset int64, data []byte) error
	Flush() error
	Trim(offset int64, length uint32) error
	Size() uint64
	BlockSize() uint32
	IsReadOnly() bool
	Close() error
}

// DefaultBlockSize is used when the caller does not know the backing
// device's native block size.
const DefaultBlockSize = 512

// FileBackend implements Backend over a regular file or an
// already-sized block device.
type FileBackend struct {
	path      string
	f         *os.File
	size      uint64
	blockSize uint32
	readOnly  bool

	io sync.Mutex
}

// Open opens path for NBD export.  If size is zero and path is a
// regular file, the file's current length is used; a nonzero size
// overrides this (the caller's way of supplying a block device's
// capacity, discovered by whatever platform-specific means it has).
func Open(path string, readOnly bool, size uint64, blockSize uint32) (*FileBackend, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, xoeerr.New(xoeerr.FileNotFound, "blockdev.Open", err)
		case os.IsPermission(err):
			return nil, xoeerr.New(xoeerr.PermissionDenied, "blockdev.Open", err)
		default:
			return nil, xoeerr.New(xoeerr.IoError, "blockdev.Open", err)
		}
	}

	if size == 0 {
		fi, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, xoeerr.New(xoeerr.IoError, "blockdev.Open", statErr)
		}
		size = uint64(fi.Size())
	}
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	return &FileBackend{
		path:      path,
		f:         f,
		size:      size,
		blockSize: blockSize,
		readOnly:  readOnly,
	}, nil
}

func (b *FileBackend) inRange(offset int64, length uint32) error {
	if offset < 0 || uint64(offset)+uint64(length) > b.size {
		return xoeerr.New(xoeerr.InvalidArgument, "blockdev.FileBackend", nil)
	}
	return nil
}

// Pread reads length bytes at offset.
func (b *FileBackend) Pread(offset int64, length uint32) ([]byte, error) {
	b.io.Lock()
	defer b.io.Unlock()

	if err := b.inRange(offset, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := b.f.ReadAt(buf, offset)
	if err != nil && uint32(n) != length {
		return nil, xoeerr.New(xoeerr.IoError, "blockdev.FileBackend.Pread", err)
	}
	return buf, nil
}

// Pwrite writes data at offset.
func (b *FileBackend) Pwrite(offset int64, data []byte) error {
	b.io.Lock()
	defer b.io.Unlock()

	if b.readOnly {
		return xoeerr.New(xoeerr.PermissionDenied, "blockdev.FileBackend.Pwrite", nil)
	}
	if err := b.inRange(offset, uint32(len(data))); err != nil {
		return err
	}
	n, err := b.f.WriteAt(data, offset)
	if err != nil || n != len(data) {
		return xoeerr.New(xoeerr.IoError, "blockdev.FileBackend.Pwrite", err)
	}
	return nil
}

// Flush syncs the backend to persistent storage, best-effort.
func (b *FileBackend) Flush() error {
	b.io.Lock()
	defer b.io.Unlock()
	if err := b.f.Sync(); err != nil {
		return xoeerr.New(xoeerr.IoError, "blockdev.FileBackend.Flush", err)
	}
	return nil
}

// Trim validates the range and otherwise does nothing: no discard is
// issued, whether the backend is a regular file or a block device.
// Failure is never fatal to the caller (§4.G, §4.F TRIM handling).
func (b *FileBackend) Trim(offset int64, length uint32) error {
	b.io.Lock()
	defer b.io.Unlock()
	if err := b.inRange(offset, length); err != nil {
		return err
	}
	return nil
}

// Size returns the export size in bytes.
func (b *FileBackend) Size() uint64 { return b.size }

// BlockSize returns the backend's native block size.
func (b *FileBackend) BlockSize() uint32 { return b.blockSize }

// IsReadOnly reports whether the backend rejects writes.
func (b *FileBackend) IsReadOnly() bool { return b.readOnly }

// Close releases the underlying file handle.
func (b *FileBackend) Close() error {
	b.io.Lock()
	defer b.io.Unlock()
	return b.f.Close()
}
