package btidx

import (
	"fmt"

	"github.com/oda/btidx/internal/node"
)

// allocateNode pops the free-list head. The superblock is persisted and
// the device notified before the block is handed out.
func (t *Tree) allocateNode() (uint32, error) {
	idx := t.sb.FreeList
	if idx == 0 {
		return 0, ErrNoSpace
	}
	n, err := node.Read(t.dev, idx)
	if err != nil {
		return 0, err
	}
	if n.Type != node.TypeUnallocated {
		return 0, fmt.Errorf("free-list block %d holds a %s node: %w", idx, n.Type, ErrInsane)
	}
	t.sb.FreeList = n.FreeList
	if err := t.sb.Write(t.dev, t.sbIndex); err != nil {
		return 0, err
	}
	t.dev.NotifyAllocate(idx)
	return idx, nil
}

// deallocateNode marks the block unallocated and pushes it onto the
// free-list head.
func (t *Tree) deallocateNode(idx uint32) error {
	n := node.New(node.TypeUnallocated, t.keySize, t.valueSize, t.dev.BlockSize())
	n.RootNode = t.sb.RootNode
	n.FreeList = t.sb.FreeList
	if err := n.Write(t.dev, idx); err != nil {
		return err
	}
	t.sb.FreeList = idx
	if err := t.sb.Write(t.dev, t.sbIndex); err != nil {
		return err
	}
	t.dev.NotifyDeallocate(idx)
	return nil
}

// FreeBlocks walks the free list and returns its length.
func (t *Tree) FreeBlocks() (int, error) {
	if err := t.checkAttached(); err != nil {
		return 0, err
	}
	count := 0
	for idx := t.sb.FreeList; idx != 0; {
		if count > int(t.dev.NumBlocks()) {
			return 0, fmt.Errorf("free list does not terminate: %w", ErrBadConfig)
		}
		n, err := node.Read(t.dev, idx)
		if err != nil {
			return 0, err
		}
		if n.Type != node.TypeUnallocated {
			return 0, fmt.Errorf("free-list block %d holds a %s node: %w", idx, n.Type, ErrInsane)
		}
		count++
		idx = n.FreeList
	}
	return count, nil
}
