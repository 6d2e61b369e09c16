package btidx

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/oda/btidx/internal/node"
)

// Insert adds a new key/value pair. Inserting an existing key returns
// ErrConflict and leaves the tree untouched.
//
// The descent inserts at the leaf, then splits any node it left full on
// the way back up, promoting one separator per split. A full root is
// split last: both halves become interior nodes under a freshly
// allocated root and the superblock's root pointer moves there.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkAttached(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkValue(value); err != nil {
		return err
	}

	rootIdx := t.sb.RootNode
	root, err := node.Read(t.dev, rootIdx)
	if err != nil {
		return err
	}
	if root.Type != node.TypeRoot {
		return fmt.Errorf("block %d holds a %s node, not the root: %w", rootIdx, root.Type, ErrInsane)
	}

	// First insert: start the tree with a single leaf and hang it off
	// pointer 0 of the otherwise empty root.
	if root.NumKeys == 0 {
		p0, err := root.Ptr(0)
		if err != nil {
			return err
		}
		if p0 == 0 {
			leafIdx, err := t.allocateNode()
			if err != nil {
				return err
			}
			leaf := node.New(node.TypeLeaf, t.keySize, t.valueSize, t.dev.BlockSize())
			leaf.RootNode = rootIdx
			if err := t.addKeyVal(leaf, key, value, 0); err != nil {
				return err
			}
			if err := leaf.Write(t.dev, leafIdx); err != nil {
				return err
			}
			if err := root.SetPtr(0, leafIdx); err != nil {
				return err
			}
			if err := root.Write(t.dev, rootIdx); err != nil {
				return err
			}
			t.log.Debug("bootstrapped tree", zap.Uint32("leaf", leafIdx))
			return nil
		}
	}

	switch _, err := t.Lookup(key); {
	case err == nil:
		return ErrConflict
	case !isNotFound(err):
		return err
	}

	if err := t.descend(rootIdx, key, value); err != nil {
		return err
	}

	// The descent never splits the root itself; do it here if it came
	// back full.
	root, err = node.Read(t.dev, rootIdx)
	if err != nil {
		return err
	}
	full, err := t.needSplit(root)
	if err != nil {
		return err
	}
	if !full {
		return nil
	}

	// Reserve the new root block first so an exhausted device fails
	// before the old root is torn apart.
	newRootIdx, err := t.allocateNode()
	if err != nil {
		return err
	}
	rightIdx, promoted, err := t.splitNode(rootIdx)
	if err != nil {
		if derr := t.deallocateNode(newRootIdx); derr != nil {
			return derr
		}
		return err
	}
	for _, idx := range []uint32{rootIdx, rightIdx} {
		half, err := node.Read(t.dev, idx)
		if err != nil {
			return err
		}
		half.Type = node.TypeInterior
		half.RootNode = newRootIdx
		if err := half.Write(t.dev, idx); err != nil {
			return err
		}
	}

	newRoot := node.New(node.TypeRoot, t.keySize, t.valueSize, t.dev.BlockSize())
	newRoot.RootNode = newRootIdx
	newRoot.NumKeys = 1
	if err := newRoot.SetKey(0, promoted); err != nil {
		return err
	}
	if err := newRoot.SetPtr(0, rootIdx); err != nil {
		return err
	}
	if err := newRoot.SetPtr(1, rightIdx); err != nil {
		return err
	}
	if err := newRoot.Write(t.dev, newRootIdx); err != nil {
		return err
	}
	t.sb.RootNode = newRootIdx
	if err := t.sb.Write(t.dev, t.sbIndex); err != nil {
		return err
	}
	t.log.Debug("root split",
		zap.Uint32("old", rootIdx),
		zap.Uint32("right", rightIdx),
		zap.Uint32("new", newRootIdx))
	return nil
}

// descend recurses to the covering leaf, adds the pair there, and on the
// way back up splits any child left full, promoting its separator into
// the current node.
func (t *Tree) descend(idx uint32, key, value []byte) error {
	n, err := node.Read(t.dev, idx)
	if err != nil {
		return err
	}
	switch n.Type {
	case node.TypeRoot, node.TypeInterior:
		childIdx, err := t.childFor(n, key)
		if err != nil {
			return err
		}
		if err := t.descend(childIdx, key, value); err != nil {
			return err
		}
		child, err := node.Read(t.dev, childIdx)
		if err != nil {
			return err
		}
		full, err := t.needSplit(child)
		if err != nil {
			return err
		}
		if !full {
			return nil
		}
		rightIdx, promoted, err := t.splitNode(childIdx)
		if err != nil {
			return err
		}
		if err := t.addKeyVal(n, promoted, nil, rightIdx); err != nil {
			return err
		}
		return n.Write(t.dev, idx)
	case node.TypeLeaf:
		if err := t.addKeyVal(n, key, value, 0); err != nil {
			return err
		}
		return n.Write(t.dev, idx)
	default:
		return fmt.Errorf("block %d holds a %s node: %w", idx, n.Type, ErrInsane)
	}
}

// needSplit reports whether the node is at capacity.
func (t *Tree) needSplit(n *node.Node) (bool, error) {
	capacity, err := n.Capacity()
	if err != nil {
		return false, err
	}
	return n.NumKeys == capacity, nil
}

// splitNode splits the block into a left half (in place) and a freshly
// allocated right half, returning the right block and the promoted
// separator. Leaves keep the separator in the left half; interiors move
// it up.
func (t *Tree) splitNode(idx uint32) (uint32, []byte, error) {
	left, err := node.Read(t.dev, idx)
	if err != nil {
		return 0, nil, err
	}
	rightIdx, err := t.allocateNode()
	if err != nil {
		return 0, nil, err
	}
	right := node.New(left.Type, left.KeySize, left.ValueSize, left.BlockSize)
	right.RootNode = left.RootNode

	numKeys := left.NumKeys
	var promoted []byte
	if left.Type == node.TypeLeaf {
		leftKeys := (numKeys + 2) / 2
		rightKeys := numKeys - leftKeys
		k, err := left.Key(leftKeys - 1)
		if err != nil {
			return 0, nil, err
		}
		promoted = append([]byte(nil), k...)
		if err := left.CopyLeafPairs(right, leftKeys, rightKeys); err != nil {
			return 0, nil, err
		}
		// Relink the leaf chain through the new right half.
		next, err := left.Ptr(0)
		if err != nil {
			return 0, nil, err
		}
		left.NumKeys = leftKeys
		right.NumKeys = rightKeys
		if err := right.SetPtr(0, next); err != nil {
			return 0, nil, err
		}
		if err := left.SetPtr(0, rightIdx); err != nil {
			return 0, nil, err
		}
	} else {
		leftKeys := numKeys / 2
		rightKeys := numKeys - leftKeys - 1
		k, err := left.Key(leftKeys)
		if err != nil {
			return 0, nil, err
		}
		promoted = append([]byte(nil), k...)
		if err := left.CopyInteriorSlots(right, leftKeys+1, rightKeys); err != nil {
			return 0, nil, err
		}
		left.NumKeys = leftKeys
		right.NumKeys = rightKeys
	}

	if err := left.Write(t.dev, idx); err != nil {
		return 0, nil, err
	}
	if err := right.Write(t.dev, rightIdx); err != nil {
		return 0, nil, err
	}
	t.log.Debug("split node",
		zap.Stringer("type", left.Type),
		zap.Uint32("block", idx),
		zap.Uint32("right", rightIdx),
		zap.Binary("promoted", promoted))
	return rightIdx, promoted, nil
}

// addKeyVal inserts (key, value) into a leaf or (key, child pointer)
// into an interior node, preserving key order. The caller writes the
// node back.
func (t *Tree) addKeyVal(n *node.Node, key, value []byte, childPtr uint32) error {
	capacity, err := n.Capacity()
	if err != nil {
		return err
	}
	if n.NumKeys == capacity {
		return fmt.Errorf("%s node at capacity %d: %w", n.Type, capacity, ErrNoRoom)
	}
	leaf := n.Type == node.TypeLeaf

	set := func(i uint32) error {
		if err := n.SetKey(i, key); err != nil {
			return err
		}
		if leaf {
			return n.SetVal(i, value)
		}
		return n.SetPtr(i+1, childPtr)
	}

	old := n.NumKeys
	if old == 0 {
		n.NumKeys = 1
		return set(0)
	}
	for i := uint32(0); i < old; i++ {
		k, err := n.Key(i)
		if err != nil {
			return err
		}
		if bytes.Compare(key, k) < 0 {
			n.NumKeys = old + 1
			if err := n.OpenSlot(i, old-i); err != nil {
				return err
			}
			return set(i)
		}
	}
	n.NumKeys = old + 1
	return set(old)
}
