package btidx

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/oda/btidx/internal/block"
	"github.com/oda/btidx/internal/node"
)

// Tree is a B+Tree over fixed-width keys and values, persisted through a
// block device. It is not safe for concurrent use.
type Tree struct {
	dev       block.Device
	keySize   uint32
	valueSize uint32
	unique    bool
	sbIndex   uint32
	sb        *node.Node // cached superblock; authoritative for the root
	log       *zap.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the structured logger. The default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tree) { t.log = l }
}

// WithUnique controls the unique-keys flag. The flag is recorded but
// Insert rejects duplicate keys regardless.
func WithUnique(unique bool) Option {
	return func(t *Tree) { t.unique = unique }
}

// New creates a tree handle over dev. Nothing touches the device until
// Attach.
func New(keySize, valueSize uint32, dev block.Device, opts ...Option) *Tree {
	t := &Tree{
		dev:       dev,
		keySize:   keySize,
		valueSize: valueSize,
		unique:    true,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Attach mounts the tree whose superblock lives at initBlock. With
// create, the device is formatted first: initBlock becomes the
// superblock, initBlock+1 the root, and every remaining block is chained
// onto the free list.
func (t *Tree) Attach(initBlock uint32, create bool) error {
	bs := t.dev.BlockSize()
	if create {
		if t.dev.NumBlocks() < initBlock+2 {
			return fmt.Errorf("device has %d blocks, need at least %d: %w",
				t.dev.NumBlocks(), initBlock+2, ErrBadConfig)
		}
		probe := node.New(node.TypeLeaf, t.keySize, t.valueSize, bs)
		if t.keySize == 0 || t.valueSize == 0 ||
			probe.SlotsAsLeaf() < 2 || probe.SlotsAsInterior() < 2 {
			return fmt.Errorf("key size %d / value size %d do not fit block size %d: %w",
				t.keySize, t.valueSize, bs, ErrBadConfig)
		}

		freeHead := uint32(0)
		if t.dev.NumBlocks() > initBlock+2 {
			freeHead = initBlock + 2
		}

		sb := node.New(node.TypeSuperblock, t.keySize, t.valueSize, bs)
		sb.RootNode = initBlock + 1
		sb.FreeList = freeHead
		t.dev.NotifyAllocate(initBlock)
		if err := sb.Write(t.dev, initBlock); err != nil {
			return err
		}

		root := node.New(node.TypeRoot, t.keySize, t.valueSize, bs)
		root.RootNode = initBlock + 1
		root.FreeList = freeHead
		t.dev.NotifyAllocate(initBlock + 1)
		if err := root.Write(t.dev, initBlock+1); err != nil {
			return err
		}

		for i := initBlock + 2; i < t.dev.NumBlocks(); i++ {
			free := node.New(node.TypeUnallocated, t.keySize, t.valueSize, bs)
			free.RootNode = initBlock + 1
			if i+1 < t.dev.NumBlocks() {
				free.FreeList = i + 1
			}
			if err := free.Write(t.dev, i); err != nil {
				return err
			}
		}
	}

	// Mounting is just a matter of reading the superblock back.
	sb, err := node.Read(t.dev, initBlock)
	if err != nil {
		return err
	}
	if sb.Type != node.TypeSuperblock {
		return fmt.Errorf("block %d holds a %s node, not a superblock: %w",
			initBlock, sb.Type, ErrInsane)
	}
	t.sb = sb
	t.sbIndex = initBlock
	t.keySize = sb.KeySize
	t.valueSize = sb.ValueSize
	t.log.Debug("attached",
		zap.Uint32("superblock", initBlock),
		zap.Uint32("root", sb.RootNode),
		zap.Uint32("freelist", sb.FreeList),
		zap.Bool("create", create))
	return nil
}

// Detach persists the superblock. The tree handle stays usable.
func (t *Tree) Detach() error {
	if t.sb == nil {
		return fmt.Errorf("not attached: %w", ErrBadConfig)
	}
	return t.sb.Write(t.dev, t.sbIndex)
}

// Lookup returns a copy of the value stored under key.
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	if err := t.checkAttached(); err != nil {
		return nil, err
	}
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	return t.lookupOrUpdate(t.sb.RootNode, opLookup, key, nil)
}

// Update overwrites the value stored under an existing key.
func (t *Tree) Update(key, value []byte) error {
	if err := t.checkAttached(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkValue(value); err != nil {
		return err
	}
	_, err := t.lookupOrUpdate(t.sb.RootNode, opUpdate, key, value)
	return err
}

// Delete is not implemented.
func (t *Tree) Delete(key []byte) error {
	return ErrUnimplemented
}

// Root returns the block index of the current root.
func (t *Tree) Root() uint32 {
	if t.sb == nil {
		return 0
	}
	return t.sb.RootNode
}

// Count returns the number of keys in the tree. O(n).
func (t *Tree) Count() (int, error) {
	if err := t.checkAttached(); err != nil {
		return 0, err
	}
	return t.countNode(t.sb.RootNode)
}

type treeOp int

const (
	opLookup treeOp = iota
	opUpdate
)

// lookupOrUpdate is the shared recursive descent for Lookup and Update.
func (t *Tree) lookupOrUpdate(idx uint32, op treeOp, key, value []byte) ([]byte, error) {
	n, err := node.Read(t.dev, idx)
	if err != nil {
		return nil, err
	}
	switch n.Type {
	case node.TypeRoot, node.TypeInterior:
		child, err := t.childFor(n, key)
		if err != nil {
			return nil, err
		}
		return t.lookupOrUpdate(child, op, key, value)
	case node.TypeLeaf:
		for i := uint32(0); i < n.NumKeys; i++ {
			k, err := n.Key(i)
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(k, key) {
				continue
			}
			if op == opLookup {
				v, err := n.Val(i)
				if err != nil {
					return nil, err
				}
				out := make([]byte, len(v))
				copy(out, v)
				return out, nil
			}
			if err := n.SetVal(i, value); err != nil {
				return nil, err
			}
			return nil, n.Write(t.dev, idx)
		}
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("block %d holds a %s node: %w", idx, n.Type, ErrInsane)
	}
}

// childFor picks the child covering key: the pointer left of the first
// separator >= key, else the trailing pointer. A node with zero
// separators is legal only as a bootstrapped root with a single child at
// pointer 0.
func (t *Tree) childFor(n *node.Node, key []byte) (uint32, error) {
	for i := uint32(0); i < n.NumKeys; i++ {
		k, err := n.Key(i)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(key, k) <= 0 {
			return n.Ptr(i)
		}
	}
	if n.NumKeys > 0 {
		return n.Ptr(n.NumKeys)
	}
	p0, err := n.Ptr(0)
	if err != nil {
		return 0, err
	}
	if p0 != 0 {
		return p0, nil
	}
	return 0, ErrNotFound
}

// children lists the live child pointers of an interior/root node.
func (t *Tree) children(n *node.Node) ([]uint32, error) {
	if n.NumKeys == 0 {
		p0, err := n.Ptr(0)
		if err != nil {
			return nil, err
		}
		if p0 == 0 {
			return nil, nil
		}
		return []uint32{p0}, nil
	}
	out := make([]uint32, 0, n.NumKeys+1)
	for i := uint32(0); i <= n.NumKeys; i++ {
		p, err := n.Ptr(i)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *Tree) countNode(idx uint32) (int, error) {
	n, err := node.Read(t.dev, idx)
	if err != nil {
		return 0, err
	}
	switch n.Type {
	case node.TypeLeaf:
		return int(n.NumKeys), nil
	case node.TypeRoot, node.TypeInterior:
		kids, err := t.children(n)
		if err != nil {
			return 0, err
		}
		total := 0
		for _, c := range kids {
			sub, err := t.countNode(c)
			if err != nil {
				return 0, err
			}
			total += sub
		}
		return total, nil
	default:
		return 0, fmt.Errorf("block %d holds a %s node: %w", idx, n.Type, ErrInsane)
	}
}

func (t *Tree) checkAttached() error {
	if t.sb == nil {
		return fmt.Errorf("not attached: %w", ErrBadConfig)
	}
	return nil
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) != int(t.keySize) {
		return fmt.Errorf("key is %d bytes, want %d: %w", len(key), t.keySize, ErrBadConfig)
	}
	return nil
}

func (t *Tree) checkValue(value []byte) error {
	if len(value) != int(t.valueSize) {
		return fmt.Errorf("value is %d bytes, want %d: %w", len(value), t.valueSize, ErrBadConfig)
	}
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
