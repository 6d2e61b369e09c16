package block_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/oda/btidx/internal/block"
)

func TestMemDeviceReadWrite(t *testing.T) {
	dev := block.NewMemDevice(64, 4)

	if dev.BlockSize() != 64 || dev.NumBlocks() != 4 {
		t.Fatalf("unexpected geometry: %d x %d", dev.BlockSize(), dev.NumBlocks())
	}

	buf := make([]byte, 64)
	copy(buf, "hello")
	if err := dev.Write(2, buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := make([]byte, 64)
	if err := dev.Read(2, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Error("read back different bytes")
	}

	// Other blocks stay zero.
	if err := dev.Read(1, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 64)) {
		t.Error("untouched block should be zero")
	}
}

func TestMemDeviceBounds(t *testing.T) {
	dev := block.NewMemDevice(64, 4)
	buf := make([]byte, 64)

	if err := dev.Read(4, buf); err == nil {
		t.Error("expected error for out-of-range block")
	}
	if err := dev.Write(0, buf[:10]); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestMemDeviceStats(t *testing.T) {
	dev := block.NewMemDevice(64, 4)
	buf := make([]byte, 64)

	dev.Write(0, buf)
	dev.Read(0, buf)
	dev.Read(1, buf)
	dev.NotifyAllocate(2)
	dev.NotifyDeallocate(2)

	s := dev.Stats()
	if s.Writes != 1 || s.Reads != 2 || s.Allocs != 1 || s.Deallocs != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestFileDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	dev, err := block.OpenFileDevice(path, 64, 8)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}

	buf := make([]byte, 64)
	copy(buf, "persisted")
	if err := dev.Write(3, buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := dev.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	dev2, err := block.OpenFileDevice(path, 64, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer dev2.Close()

	got := make([]byte, 64)
	if err := dev2.Read(3, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Error("block not persisted across reopen")
	}
}

func TestFileDeviceGeometryFixed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	dev, err := block.OpenFileDevice(path, 64, 8)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The file was sized to 64*8 bytes; reopening with a different
	// geometry must be refused, not silently resized.
	if _, err := block.OpenFileDevice(path, 64, 16); err == nil {
		t.Error("expected error for geometry mismatch")
	}
	if _, err := block.OpenFileDevice(path, 128, 8); err == nil {
		t.Error("expected error for block size mismatch")
	}

	// The original geometry still opens.
	dev2, err := block.OpenFileDevice(path, 64, 8)
	if err != nil {
		t.Fatalf("reopen with matching geometry failed: %v", err)
	}
	dev2.Close()

	if _, err := block.OpenFileDevice(path, 0, 8); err == nil {
		t.Error("expected error for empty geometry")
	}
}

func TestFileDeviceClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	dev, err := block.OpenFileDevice(path, 64, 8)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Closing again is harmless.
	if err := dev.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	buf := make([]byte, 64)
	if err := dev.Read(0, buf); err == nil {
		t.Error("expected error reading a closed device")
	}
	if err := dev.Write(0, buf); err == nil {
		t.Error("expected error writing a closed device")
	}
	if err := dev.Sync(); err == nil {
		t.Error("expected error syncing a closed device")
	}
}

func TestFileDeviceBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	dev, err := block.OpenFileDevice(path, 64, 8)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}
	defer dev.Close()

	buf := make([]byte, 64)
	if err := dev.Read(8, buf); err == nil {
		t.Error("expected error for out-of-range block")
	}
	if err := dev.Write(0, buf[:1]); err == nil {
		t.Error("expected error for short buffer")
	}
}
