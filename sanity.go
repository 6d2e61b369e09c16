package btidx

import (
	"bytes"
	"fmt"

	"github.com/oda/btidx/internal/node"
)

// SanityCheck walks the whole structure and verifies:
//
//  1. keys within every node are strictly increasing (hence unique)
//  2. no block is typed Root except the one the superblock points at
//  3. every interior separator has a matching entry in a leaf under its
//     left child
//  4. every child has at least one key, ordered consistently with the
//     parent separator
//  5. traversal reaches only root, interior, and leaf blocks
//  6. the free list is an acyclic chain of unallocated blocks
//
// Invariant violations return ErrBadConfig; blocks of a known type that
// does not belong in the tree (unallocated, superblock) return ErrInsane.
// A block whose type code is not recognised fails to decode, and the
// codec's node.ErrBadLayout error is returned as is.
func (t *Tree) SanityCheck() error {
	if err := t.checkAttached(); err != nil {
		return err
	}
	if err := t.checkFreeList(); err != nil {
		return err
	}

	root, err := node.Read(t.dev, t.sb.RootNode)
	if err != nil {
		return err
	}
	if root.Type != node.TypeRoot {
		return fmt.Errorf("block %d holds a %s node, not the root: %w",
			t.sb.RootNode, root.Type, ErrInsane)
	}
	if root.NumKeys == 0 {
		p0, err := root.Ptr(0)
		if err != nil {
			return err
		}
		if p0 == 0 {
			return nil // empty tree
		}
		return t.checkSubtree(p0, nil, false)
	}
	return t.checkInterior(root)
}

// checkInterior verifies an interior or root node and recurses into all
// of its children.
func (t *Tree) checkInterior(n *node.Node) error {
	if err := t.checkKeyOrder(n); err != nil {
		return err
	}
	for i := uint32(0); i < n.NumKeys; i++ {
		sep, err := n.Key(i)
		if err != nil {
			return err
		}
		ptr, err := n.Ptr(i)
		if err != nil {
			return err
		}
		// Every separator must still be backed by a leaf entry.
		switch _, lerr := t.lookupOrUpdate(ptr, opLookup, sep, nil); {
		case lerr == nil:
		case isNotFound(lerr):
			return fmt.Errorf("separator %q has no leaf entry: %w", sep, ErrBadConfig)
		default:
			return lerr
		}
		if err := t.checkSubtree(ptr, sep, false); err != nil {
			return err
		}
	}
	last, err := n.Key(n.NumKeys - 1)
	if err != nil {
		return err
	}
	ptr, err := n.Ptr(n.NumKeys)
	if err != nil {
		return err
	}
	return t.checkSubtree(ptr, last, true)
}

// checkSubtree verifies the child at idx against the parent separator.
// For a non-trailing child the separator must be >= the child's first key
// and, when the child is a leaf, must appear in it; for the trailing child
// the first key must be >= the separator. Only the first key is compared.
func (t *Tree) checkSubtree(idx uint32, sep []byte, trailing bool) error {
	n, err := node.Read(t.dev, idx)
	if err != nil {
		return err
	}
	switch n.Type {
	case node.TypeRoot:
		return fmt.Errorf("second root at block %d: %w", idx, ErrBadConfig)
	case node.TypeInterior, node.TypeLeaf:
	default:
		return fmt.Errorf("block %d holds a %s node: %w", idx, n.Type, ErrInsane)
	}

	if n.NumKeys == 0 {
		return fmt.Errorf("empty %s node at block %d: %w", n.Type, idx, ErrBadConfig)
	}
	first, err := n.Key(0)
	if err != nil {
		return err
	}
	if sep != nil {
		if trailing && bytes.Compare(first, sep) < 0 {
			return fmt.Errorf("block %d first key %q below trailing separator %q: %w",
				idx, first, sep, ErrBadConfig)
		}
		if !trailing && bytes.Compare(sep, first) < 0 {
			return fmt.Errorf("block %d first key %q above separator %q: %w",
				idx, first, sep, ErrBadConfig)
		}
	}

	if n.Type == node.TypeInterior {
		return t.checkInterior(n)
	}

	if err := t.checkKeyOrder(n); err != nil {
		return err
	}
	if sep != nil && !trailing {
		found := false
		for i := uint32(0); i < n.NumKeys; i++ {
			k, err := n.Key(i)
			if err != nil {
				return err
			}
			if bytes.Equal(k, sep) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("separator %q missing from leaf %d: %w", sep, idx, ErrBadConfig)
		}
	}
	return nil
}

// checkKeyOrder verifies strictly increasing keys within one node.
func (t *Tree) checkKeyOrder(n *node.Node) error {
	for i := uint32(1); i < n.NumKeys; i++ {
		prev, err := n.Key(i - 1)
		if err != nil {
			return err
		}
		cur, err := n.Key(i)
		if err != nil {
			return err
		}
		if bytes.Compare(prev, cur) >= 0 {
			return fmt.Errorf("keys %q and %q out of order: %w", prev, cur, ErrBadConfig)
		}
	}
	return nil
}

// checkFreeList verifies the free list is a bounded acyclic chain of
// unallocated blocks.
func (t *Tree) checkFreeList() error {
	steps := 0
	for idx := t.sb.FreeList; idx != 0; {
		if steps > int(t.dev.NumBlocks()) {
			return fmt.Errorf("free list does not terminate: %w", ErrBadConfig)
		}
		n, err := node.Read(t.dev, idx)
		if err != nil {
			return err
		}
		if n.Type != node.TypeUnallocated {
			return fmt.Errorf("free-list block %d holds a %s node: %w", idx, n.Type, ErrBadConfig)
		}
		steps++
		idx = n.FreeList
	}
	return nil
}
