// Package btidx provides a disk-backed ordered key/value index built as a
// B+Tree of fixed-size blocks.
//
// The tree stores fixed-width byte-string keys and values, ordered by
// lexicographic byte comparison. All persistence goes through a
// block-addressable device; the tree never addresses memory directly.
// Block 0 holds the superblock, block 1 the initial root, and the
// remaining blocks are chained onto a free list threaded through the
// blocks themselves.
//
// Example:
//
//	dev := block.NewMemDevice(4096, 1024)
//	tree := btidx.New(8, 8, dev)
//	if err := tree.Attach(0, true); err != nil {
//	    log.Fatal(err)
//	}
//	defer tree.Detach()
//
//	tree.Insert([]byte("aaaakey1"), []byte("value001"))
//
//	val, err := tree.Lookup([]byte("aaaakey1"))
//	if err == nil {
//	    fmt.Println(string(val)) // value001
//	}
//
// Deletion is not implemented; Insert of an existing key returns
// ErrConflict and Update changes the value in place.
package btidx
