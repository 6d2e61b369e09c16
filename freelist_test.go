package btidx

import (
	"errors"
	"testing"

	"github.com/oda/btidx/internal/block"
)

func TestAllocateDeallocate(t *testing.T) {
	dev := block.NewMemDevice(64, 8)
	tree := New(4, 4, dev)
	if err := tree.Attach(0, true); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	// Formatting chains blocks 2..7.
	a, err := tree.allocateNode()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if a != 2 {
		t.Errorf("expected block 2 first, got %d", a)
	}
	b, err := tree.allocateNode()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if b != 3 {
		t.Errorf("expected block 3 next, got %d", b)
	}

	free, err := tree.FreeBlocks()
	if err != nil {
		t.Fatalf("FreeBlocks failed: %v", err)
	}
	if free != 4 {
		t.Errorf("expected 4 free blocks, got %d", free)
	}

	// Deallocation pushes onto the head.
	if err := tree.deallocateNode(a); err != nil {
		t.Fatalf("deallocate failed: %v", err)
	}
	c, err := tree.allocateNode()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if c != a {
		t.Errorf("expected most recently freed block %d, got %d", a, c)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	dev := block.NewMemDevice(64, 4)
	tree := New(4, 4, dev)
	if err := tree.Attach(0, true); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := tree.allocateNode(); err != nil {
			t.Fatalf("allocate %d failed: %v", i, err)
		}
	}
	if _, err := tree.allocateNode(); !errors.Is(err, ErrNoSpace) {
		t.Errorf("expected ErrNoSpace, got %v", err)
	}
}

func TestAllocateCorruptFreeList(t *testing.T) {
	dev := block.NewMemDevice(64, 8)
	tree := New(4, 4, dev)
	if err := tree.Attach(0, true); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	// Clobber the head of the free list with a leaf-typed block.
	buf := make([]byte, 64)
	buf[0] = 4 // leaf
	if err := dev.Write(2, buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := tree.allocateNode(); !errors.Is(err, ErrInsane) {
		t.Errorf("expected ErrInsane, got %v", err)
	}
}
