package block

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a Device backed by a memory-mapped file. The geometry is
// fixed at open time: a new file is sized to blockSize*numBlocks bytes
// and an existing one must already be exactly that size, since a block
// device never grows or shrinks.
type FileDevice struct {
	file      *os.File
	blocks    []byte
	blockSize uint32
	numBlocks uint32
}

// OpenFileDevice opens or creates the device file at path and maps it.
func OpenFileDevice(path string, blockSize, numBlocks uint32) (*FileDevice, error) {
	if blockSize == 0 || numBlocks == 0 {
		return nil, fmt.Errorf("device geometry %dx%d is empty", blockSize, numBlocks)
	}
	size := int64(blockSize) * int64(numBlocks)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat device file: %w", err)
	}
	switch info.Size() {
	case 0:
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size device file: %w", err)
		}
	case size:
	default:
		f.Close()
		return nil, fmt.Errorf("device file is %d bytes, geometry %dx%d needs %d",
			info.Size(), blockSize, numBlocks, size)
	}

	blocks, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map device file: %w", err)
	}
	// Tree descents hop between unrelated blocks; tell the kernel not to
	// read ahead.
	unix.Madvise(blocks, unix.MADV_RANDOM)

	return &FileDevice{
		file:      f,
		blocks:    blocks,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}, nil
}

// BlockSize returns the size of each block in bytes.
func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

// NumBlocks returns the number of blocks on the device.
func (d *FileDevice) NumBlocks() uint32 { return d.numBlocks }

// Read copies block idx into buf.
func (d *FileDevice) Read(idx uint32, buf []byte) error {
	b, err := d.block(idx, buf)
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

// Write copies buf into block idx.
func (d *FileDevice) Write(idx uint32, buf []byte) error {
	b, err := d.block(idx, buf)
	if err != nil {
		return err
	}
	copy(b, buf)
	return nil
}

// NotifyAllocate is a no-op; the whole device stays mapped.
func (d *FileDevice) NotifyAllocate(idx uint32) {}

// NotifyDeallocate is a no-op.
func (d *FileDevice) NotifyDeallocate(idx uint32) {}

// Sync flushes the mapped blocks to disk.
func (d *FileDevice) Sync() error {
	if d.blocks == nil {
		return fmt.Errorf("device is closed")
	}
	if err := unix.Msync(d.blocks, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync device: %w", err)
	}
	return nil
}

// Close unmaps the blocks and closes the backing file.
func (d *FileDevice) Close() error {
	if d.blocks != nil {
		if err := unix.Munmap(d.blocks); err != nil {
			return fmt.Errorf("failed to unmap device: %w", err)
		}
		d.blocks = nil
	}
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("failed to close device file: %w", err)
		}
		d.file = nil
	}
	return nil
}

// block returns the mapped bytes of block idx after validating idx and
// the caller's buffer.
func (d *FileDevice) block(idx uint32, buf []byte) ([]byte, error) {
	if d.blocks == nil {
		return nil, fmt.Errorf("device is closed")
	}
	if idx >= d.numBlocks {
		return nil, fmt.Errorf("block %d out of range (have %d blocks)", idx, d.numBlocks)
	}
	if len(buf) != int(d.blockSize) {
		return nil, fmt.Errorf("buffer is %d bytes, block size is %d", len(buf), d.blockSize)
	}
	off := int(idx) * int(d.blockSize)
	return d.blocks[off : off+int(d.blockSize)], nil
}
