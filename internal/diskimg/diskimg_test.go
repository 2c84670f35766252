package diskimg

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempImage(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := writeTempImage(t, 4096)

	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	payload := []byte("hello disk image")
	if _, err := img.WriteAt(1, [][]byte{payload}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := img.ReadAt(1, [][]byte{buf})
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("short read: got %d want %d", n, len(payload))
	}
	if string(buf) != string(payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", buf, payload)
	}
}

func TestWriteRejectedWhenReadOnly(t *testing.T) {
	path := writeTempImage(t, 4096)

	img, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if _, err := img.WriteAt(0, [][]byte{[]byte("x")}); err == nil {
		t.Fatalf("expected error writing to read-only image")
	}
}

func TestSerialFitsInBuffer(t *testing.T) {
	path := writeTempImage(t, 512)

	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	buf := make([]byte, 20) // VIRTIO_BLK_ID_BYTES
	n, err := img.Serial(buf)
	if err != nil {
		t.Fatalf("Serial: %v", err)
	}
	if n == 0 || n > len(buf) {
		t.Fatalf("unexpected serial length %d", n)
	}
}

func TestFlushSyncsFile(t *testing.T) {
	path := writeTempImage(t, 512)

	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if err := img.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
