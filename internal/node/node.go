// Package node serializes B+Tree nodes to and from fixed-size blocks.
//
// Every block starts with a 28-byte header of seven little-endian uint32
// fields, followed by the packed slot region:
//
//   - Interior/Root: ptr0, key0, ptr1, key1, ..., ptrN (numkeys keys,
//     numkeys+1 child pointers)
//   - Leaf: ptr0 (next-leaf link), key0, val0, key1, val1, ...
//
// Block pointers are uint32 block indices. Bulk slot moves during splits
// and ordered insertion are byte copies over the packed region; the move
// primitives here keep that arithmetic out of the engine.
package node

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oda/btidx/internal/block"
)

// Type identifies what a block holds.
type Type uint32

const (
	// TypeUnallocated marks a block on the free list.
	TypeUnallocated Type = iota
	// TypeSuperblock marks the metadata block.
	TypeSuperblock
	// TypeRoot marks the tree root.
	TypeRoot
	// TypeInterior marks an interior node.
	TypeInterior
	// TypeLeaf marks a leaf node.
	TypeLeaf
)

// String returns a short name for the type.
func (t Type) String() string {
	switch t {
	case TypeUnallocated:
		return "unallocated"
	case TypeSuperblock:
		return "superblock"
	case TypeRoot:
		return "root"
	case TypeInterior:
		return "interior"
	case TypeLeaf:
		return "leaf"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

const (
	// HeaderSize is the serialized size of Header.
	HeaderSize = 28

	// PtrSize is the size of a block pointer in the slot region.
	PtrSize = 4
)

var (
	// ErrOutOfRange is returned when a slot index is past the live slots.
	ErrOutOfRange = errors.New("node: slot index out of range")

	// ErrWrongNodeType is returned when an accessor is called on a node
	// type that has no such slot (e.g. Val on an interior node).
	ErrWrongNodeType = errors.New("node: operation not valid for node type")

	// ErrBadLayout is returned when a deserialized block carries an
	// unknown node type.
	ErrBadLayout = errors.New("node: unknown node type on block")
)

// Header is the per-block metadata. KeySize and ValueSize repeat the
// superblock's values so every block is self-describing; RootNode is a
// historical copy — the superblock is authoritative.
type Header struct {
	Type      Type
	KeySize   uint32
	ValueSize uint32
	BlockSize uint32
	RootNode  uint32
	FreeList  uint32
	NumKeys   uint32
}

// Node is one block interpreted per its header. It owns a block-sized
// buffer until written back or dropped.
type Node struct {
	Header
	buf []byte
}

// New creates a fresh zeroed node of the given type and geometry.
func New(t Type, keySize, valueSize, blockSize uint32) *Node {
	return &Node{
		Header: Header{
			Type:      t,
			KeySize:   keySize,
			ValueSize: valueSize,
			BlockSize: blockSize,
		},
		buf: make([]byte, blockSize),
	}
}

// Read deserializes the node stored at block idx.
func Read(dev block.Device, idx uint32) (*Node, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.Read(idx, buf); err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", idx, err)
	}
	n := &Node{buf: buf}
	n.Type = Type(binary.LittleEndian.Uint32(buf[0:4]))
	n.KeySize = binary.LittleEndian.Uint32(buf[4:8])
	n.ValueSize = binary.LittleEndian.Uint32(buf[8:12])
	n.BlockSize = binary.LittleEndian.Uint32(buf[12:16])
	n.RootNode = binary.LittleEndian.Uint32(buf[16:20])
	n.FreeList = binary.LittleEndian.Uint32(buf[20:24])
	n.NumKeys = binary.LittleEndian.Uint32(buf[24:28])
	switch n.Type {
	case TypeUnallocated, TypeSuperblock, TypeRoot, TypeInterior, TypeLeaf:
	default:
		return nil, fmt.Errorf("block %d: %w", idx, ErrBadLayout)
	}
	return n, nil
}

// Write serializes the node to block idx.
func (n *Node) Write(dev block.Device, idx uint32) error {
	binary.LittleEndian.PutUint32(n.buf[0:4], uint32(n.Type))
	binary.LittleEndian.PutUint32(n.buf[4:8], n.KeySize)
	binary.LittleEndian.PutUint32(n.buf[8:12], n.ValueSize)
	binary.LittleEndian.PutUint32(n.buf[12:16], n.BlockSize)
	binary.LittleEndian.PutUint32(n.buf[16:20], n.RootNode)
	binary.LittleEndian.PutUint32(n.buf[20:24], n.FreeList)
	binary.LittleEndian.PutUint32(n.buf[24:28], n.NumKeys)
	if err := dev.Write(idx, n.buf); err != nil {
		return fmt.Errorf("failed to write block %d: %w", idx, err)
	}
	return nil
}

// SlotsAsInterior returns the key capacity when used as interior/root:
// the packed region holds that many (ptr,key) pairs plus a trailing
// pointer.
func (n *Node) SlotsAsInterior() uint32 {
	return (n.BlockSize - HeaderSize - PtrSize) / (n.KeySize + PtrSize)
}

// SlotsAsLeaf returns the key capacity when used as a leaf: the packed
// region holds a leading next-leaf pointer and that many (key,value)
// pairs.
func (n *Node) SlotsAsLeaf() uint32 {
	return (n.BlockSize - HeaderSize - PtrSize) / (n.KeySize + n.ValueSize)
}

// Capacity returns the key capacity for the node's own type.
func (n *Node) Capacity() (uint32, error) {
	switch n.Type {
	case TypeRoot, TypeInterior:
		return n.SlotsAsInterior(), nil
	case TypeLeaf:
		return n.SlotsAsLeaf(), nil
	}
	return 0, fmt.Errorf("%s node has no capacity: %w", n.Type, ErrWrongNodeType)
}

// stride returns the byte length of one slot pair.
func (n *Node) stride() uint32 {
	if n.Type == TypeLeaf {
		return n.KeySize + n.ValueSize
	}
	return n.KeySize + PtrSize
}

// keyOffset returns the byte offset of key slot i without bounds checks.
func (n *Node) keyOffset(i uint32) int {
	if n.Type == TypeLeaf {
		return int(HeaderSize + PtrSize + i*(n.KeySize+n.ValueSize))
	}
	return int(HeaderSize + i*(PtrSize+n.KeySize) + PtrSize)
}

// ptrOffset returns the byte offset of pointer slot i without bounds
// checks.
func (n *Node) ptrOffset(i uint32) int {
	if n.Type == TypeLeaf {
		return HeaderSize
	}
	return int(HeaderSize + i*(PtrSize+n.KeySize))
}

// ResolveKey returns the byte offset of key slot i.
func (n *Node) ResolveKey(i uint32) (int, error) {
	switch n.Type {
	case TypeRoot, TypeInterior, TypeLeaf:
	default:
		return 0, fmt.Errorf("%s node has no keys: %w", n.Type, ErrWrongNodeType)
	}
	if i >= n.NumKeys {
		return 0, fmt.Errorf("key %d of %d: %w", i, n.NumKeys, ErrOutOfRange)
	}
	return n.keyOffset(i), nil
}

// ResolvePtr returns the byte offset of pointer slot i. Interior nodes
// permit i == NumKeys for the trailing pointer; leaves only pointer 0.
func (n *Node) ResolvePtr(i uint32) (int, error) {
	switch n.Type {
	case TypeRoot, TypeInterior:
		if i > n.NumKeys {
			return 0, fmt.Errorf("ptr %d of %d: %w", i, n.NumKeys, ErrOutOfRange)
		}
	case TypeLeaf:
		if i != 0 {
			return 0, fmt.Errorf("leaf ptr %d: %w", i, ErrOutOfRange)
		}
	default:
		return 0, fmt.Errorf("%s node has no pointers: %w", n.Type, ErrWrongNodeType)
	}
	return n.ptrOffset(i), nil
}

// Key returns key slot i. The slice references the node's buffer.
func (n *Node) Key(i uint32) ([]byte, error) {
	off, err := n.ResolveKey(i)
	if err != nil {
		return nil, err
	}
	return n.buf[off : off+int(n.KeySize)], nil
}

// SetKey writes key slot i.
func (n *Node) SetKey(i uint32, key []byte) error {
	off, err := n.ResolveKey(i)
	if err != nil {
		return err
	}
	if len(key) != int(n.KeySize) {
		return fmt.Errorf("key is %d bytes, want %d", len(key), n.KeySize)
	}
	copy(n.buf[off:off+int(n.KeySize)], key)
	return nil
}

// Val returns value slot i of a leaf. The slice references the node's
// buffer.
func (n *Node) Val(i uint32) ([]byte, error) {
	if n.Type != TypeLeaf {
		return nil, fmt.Errorf("%s node has no values: %w", n.Type, ErrWrongNodeType)
	}
	off, err := n.ResolveKey(i)
	if err != nil {
		return nil, err
	}
	off += int(n.KeySize)
	return n.buf[off : off+int(n.ValueSize)], nil
}

// SetVal writes value slot i of a leaf.
func (n *Node) SetVal(i uint32, val []byte) error {
	if n.Type != TypeLeaf {
		return fmt.Errorf("%s node has no values: %w", n.Type, ErrWrongNodeType)
	}
	off, err := n.ResolveKey(i)
	if err != nil {
		return err
	}
	if len(val) != int(n.ValueSize) {
		return fmt.Errorf("value is %d bytes, want %d", len(val), n.ValueSize)
	}
	off += int(n.KeySize)
	copy(n.buf[off:off+int(n.ValueSize)], val)
	return nil
}

// Ptr returns pointer slot i.
func (n *Node) Ptr(i uint32) (uint32, error) {
	off, err := n.ResolvePtr(i)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(n.buf[off : off+PtrSize]), nil
}

// SetPtr writes pointer slot i.
func (n *Node) SetPtr(i uint32, ptr uint32) error {
	off, err := n.ResolvePtr(i)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(n.buf[off:off+PtrSize], ptr)
	return nil
}

// OpenSlot shifts count pairs starting at slot i one pair-stride toward
// the end of the block, opening slot i for insertion. On interior nodes
// the shifted region carries each key's following pointer with it, so
// pointer i stays in place and pointers i+1.. move to i+2... The caller
// adjusts NumKeys.
func (n *Node) OpenSlot(i, count uint32) error {
	switch n.Type {
	case TypeRoot, TypeInterior, TypeLeaf:
	default:
		return fmt.Errorf("%s node has no slots: %w", n.Type, ErrWrongNodeType)
	}
	stride := int(n.stride())
	src := n.keyOffset(i)
	end := src + (int(count)+1)*stride
	if end > len(n.buf) {
		return fmt.Errorf("shift of %d pairs at slot %d: %w", count, i, ErrOutOfRange)
	}
	copy(n.buf[src+stride:end], n.buf[src:src+int(count)*stride])
	return nil
}

// CopyLeafPairs copies count (key,value) pairs starting at slot from
// into slot 0 of dst. Both nodes must be leaves of identical geometry.
func (n *Node) CopyLeafPairs(dst *Node, from, count uint32) error {
	if n.Type != TypeLeaf || dst.Type != TypeLeaf {
		return fmt.Errorf("leaf pair copy between %s and %s: %w", n.Type, dst.Type, ErrWrongNodeType)
	}
	stride := int(n.KeySize + n.ValueSize)
	src := n.keyOffset(from)
	if src+int(count)*stride > len(n.buf) {
		return fmt.Errorf("copy of %d pairs at slot %d: %w", count, from, ErrOutOfRange)
	}
	d := dst.keyOffset(0)
	copy(dst.buf[d:d+int(count)*stride], n.buf[src:src+int(count)*stride])
	return nil
}

// CopyInteriorSlots copies count (ptr,key) pairs plus the trailing
// pointer, starting at pointer position from, into position 0 of dst.
func (n *Node) CopyInteriorSlots(dst *Node, from, count uint32) error {
	if n.Type == TypeLeaf || dst.Type == TypeLeaf {
		return fmt.Errorf("interior slot copy between %s and %s: %w", n.Type, dst.Type, ErrWrongNodeType)
	}
	nbytes := int(count)*int(n.KeySize+PtrSize) + PtrSize
	src := n.ptrOffset(from)
	if src+nbytes > len(n.buf) {
		return fmt.Errorf("copy of %d slots at ptr %d: %w", count, from, ErrOutOfRange)
	}
	d := dst.ptrOffset(0)
	copy(dst.buf[d:d+nbytes], n.buf[src:src+nbytes])
	return nil
}
