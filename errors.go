package btidx

import "errors"

// Errors returned by tree operations. Block I/O failures from the device
// are wrapped and propagated as-is.
var (
	// ErrNotFound is returned by Lookup and Update when the key is absent.
	ErrNotFound = errors.New("btidx: key not found")

	// ErrConflict is returned by Insert when the key already exists.
	ErrConflict = errors.New("btidx: key already exists")

	// ErrNoSpace is returned when the free list is empty.
	ErrNoSpace = errors.New("btidx: no free blocks")

	// ErrNoRoom is returned when a key is added to a full node. Callers
	// split full nodes before adding, so hitting this indicates a bug.
	ErrNoRoom = errors.New("btidx: node full")

	// ErrUnimplemented is returned by Delete.
	ErrUnimplemented = errors.New("btidx: not implemented")

	// ErrBadConfig is returned for invalid geometry and by SanityCheck
	// when a structural invariant is violated.
	ErrBadConfig = errors.New("btidx: bad configuration")

	// ErrInsane is returned when a block holds a node type that does not
	// belong where it was reached: anything but a root, interior, or leaf
	// node inside the tree, a free-list block that is not unallocated, or
	// a superblock slot holding another type. A block whose type code is
	// not recognised at all fails to decode with node.ErrBadLayout instead.
	ErrInsane = errors.New("btidx: structural corruption")
)
