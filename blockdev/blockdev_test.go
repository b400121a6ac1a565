package blockdev_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nasa-jpl/xoe/blockdev"
	"github.com/nasa-jpl/xoe/xoeerr"
)

func tempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.img")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestPwritePreadRoundTrip(t *testing.T) {
	path := tempFile(t, 4096)
	b, err := blockdev.Open(path, false, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	data := []byte("the quick brown fox")
	if err := b.Pwrite(100, data); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	got, err := b.Pread(100, uint32(len(data)))
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Pread = %q, want %q", got, data)
	}
}

// scenario 2 from PROTOCOL.md §8: NBD read of a zero-length export.
func TestZeroLengthExport(t *testing.T) {
	path := tempFile(t, 0)
	b, err := blockdev.Open(path, false, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if b.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", b.Size())
	}
	got, err := b.Pread(0, 0)
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected zero bytes, got %d", len(got))
	}
}

// scenario 3 from PROTOCOL.md §8: a write whose range exceeds the device.
func TestPwriteOutOfRange(t *testing.T) {
	path := tempFile(t, 4096)
	b, err := blockdev.Open(path, false, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	err = b.Pwrite(4094, []byte{1, 2, 3, 4})
	if !xoeerr.Is(err, xoeerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReadOnlyBackendRejectsWrites(t *testing.T) {
	path := tempFile(t, 4096)
	b, err := blockdev.Open(path, true, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	err = b.Pwrite(0, []byte{1})
	if !xoeerr.Is(err, xoeerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := blockdev.Open(filepath.Join(t.TempDir(), "missing"), false, 0, 0)
	if !xoeerr.Is(err, xoeerr.FileNotFound) {
		t.Fatalf("expected FileNotFound, got %v", err)
	}
}

func TestTrimIsNonFatalNoOpOnRegularFile(t *testing.T) {
	path := tempFile(t, 4096)
	b, err := blockdev.Open(path, false, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if err := b.Trim(0, 512); err != nil {
		t.Fatalf("Trim: %v", err)
	}
}
