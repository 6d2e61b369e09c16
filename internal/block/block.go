// Package block defines the block-addressable device the tree persists
// through, plus an in-memory implementation for tests and tooling.
package block

import "fmt"

// Device is a fixed-geometry block store. Read and Write transfer whole
// blocks; buf must be exactly BlockSize bytes. The Notify methods inform
// the device (or the cache behind it) of allocation state changes and
// carry no data.
type Device interface {
	BlockSize() uint32
	NumBlocks() uint32
	Read(idx uint32, buf []byte) error
	Write(idx uint32, buf []byte) error
	NotifyAllocate(idx uint32)
	NotifyDeallocate(idx uint32)
}

// Stats counts device traffic since creation.
type Stats struct {
	Reads    uint64
	Writes   uint64
	Allocs   uint64
	Deallocs uint64
}

// MemDevice is an in-memory Device backed by a single byte slice.
type MemDevice struct {
	blockSize uint32
	numBlocks uint32
	data      []byte
	stats     Stats
}

// NewMemDevice creates a zeroed in-memory device.
func NewMemDevice(blockSize, numBlocks uint32) *MemDevice {
	return &MemDevice{
		blockSize: blockSize,
		numBlocks: numBlocks,
		data:      make([]byte, int(blockSize)*int(numBlocks)),
	}
}

// BlockSize returns the size of each block in bytes.
func (d *MemDevice) BlockSize() uint32 { return d.blockSize }

// NumBlocks returns the number of blocks on the device.
func (d *MemDevice) NumBlocks() uint32 { return d.numBlocks }

// Read copies block idx into buf.
func (d *MemDevice) Read(idx uint32, buf []byte) error {
	if err := d.check(idx, buf); err != nil {
		return err
	}
	off := int(idx) * int(d.blockSize)
	copy(buf, d.data[off:off+int(d.blockSize)])
	d.stats.Reads++
	return nil
}

// Write copies buf into block idx.
func (d *MemDevice) Write(idx uint32, buf []byte) error {
	if err := d.check(idx, buf); err != nil {
		return err
	}
	off := int(idx) * int(d.blockSize)
	copy(d.data[off:off+int(d.blockSize)], buf)
	d.stats.Writes++
	return nil
}

// NotifyAllocate records an allocation notification.
func (d *MemDevice) NotifyAllocate(idx uint32) { d.stats.Allocs++ }

// NotifyDeallocate records a deallocation notification.
func (d *MemDevice) NotifyDeallocate(idx uint32) { d.stats.Deallocs++ }

// Stats returns a snapshot of the traffic counters.
func (d *MemDevice) Stats() Stats { return d.stats }

func (d *MemDevice) check(idx uint32, buf []byte) error {
	if idx >= d.numBlocks {
		return fmt.Errorf("block %d out of range (have %d blocks)", idx, d.numBlocks)
	}
	if len(buf) != int(d.blockSize) {
		return fmt.Errorf("buffer is %d bytes, block size is %d", len(buf), d.blockSize)
	}
	return nil
}
