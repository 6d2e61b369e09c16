package btidx_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/oda/btidx"
	"github.com/oda/btidx/internal/block"
)

// newTree attaches a fresh tree over an in-memory device with 4-byte
// keys and values.
func newTree(t *testing.T, blockSize, numBlocks uint32) (*btidx.Tree, *block.MemDevice) {
	t.Helper()
	dev := block.NewMemDevice(blockSize, numBlocks)
	tree := btidx.New(4, 4, dev)
	if err := tree.Attach(0, true); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return tree, dev
}

func key(i int) []byte { return []byte(fmt.Sprintf("b%03d", i)) }
func val(i int) []byte { return []byte(fmt.Sprintf("v%03d", i)) }

func TestAttachCreate(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	free, err := tree.FreeBlocks()
	if err != nil {
		t.Fatalf("FreeBlocks failed: %v", err)
	}
	if free != 14 {
		t.Errorf("expected 14 free blocks, got %d", free)
	}
	count, err := tree.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty tree, got %d keys", count)
	}
	if err := tree.SanityCheck(); err != nil {
		t.Errorf("SanityCheck failed: %v", err)
	}
	if tree.Root() != 1 {
		t.Errorf("expected root at block 1, got %d", tree.Root())
	}
}

func TestAttachTooSmall(t *testing.T) {
	dev := block.NewMemDevice(64, 1)
	tree := btidx.New(4, 4, dev)
	if err := tree.Attach(0, true); !errors.Is(err, btidx.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig, got %v", err)
	}

	dev = block.NewMemDevice(40, 16)
	tree = btidx.New(4, 4, dev)
	if err := tree.Attach(0, true); !errors.Is(err, btidx.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig for tiny blocks, got %v", err)
	}
}

func TestInsertLookup(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	if err := tree.Insert([]byte("aaaa"), []byte("1111")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := tree.Lookup([]byte("aaaa"))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !bytes.Equal(got, []byte("1111")) {
		t.Errorf("expected 1111, got %q", got)
	}
}

func TestLookupMissing(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	if _, err := tree.Lookup([]byte("aaaa")); !errors.Is(err, btidx.ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty tree, got %v", err)
	}

	tree.Insert([]byte("aaaa"), []byte("1111"))
	if _, err := tree.Lookup([]byte("zzzz")); !errors.Is(err, btidx.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertConflict(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	tree.Insert([]byte("aaaa"), []byte("1111"))
	if err := tree.Insert([]byte("aaaa"), []byte("2222")); !errors.Is(err, btidx.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := tree.Lookup([]byte("aaaa"))
	if !bytes.Equal(got, []byte("1111")) {
		t.Errorf("conflicting insert changed the value: got %q", got)
	}
}

func TestUpdate(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	tree.Insert([]byte("aaaa"), []byte("1111"))
	if err := tree.Update([]byte("aaaa"), []byte("2222")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := tree.Lookup([]byte("aaaa"))
	if !bytes.Equal(got, []byte("2222")) {
		t.Errorf("expected 2222, got %q", got)
	}

	if err := tree.Update([]byte("zzzz"), []byte("2222")); !errors.Is(err, btidx.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUnimplemented(t *testing.T) {
	tree, _ := newTree(t, 64, 16)
	if err := tree.Delete([]byte("aaaa")); !errors.Is(err, btidx.ErrUnimplemented) {
		t.Errorf("expected ErrUnimplemented, got %v", err)
	}
}

func TestBadKeyValueSizes(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	if err := tree.Insert([]byte("toolong"), []byte("1111")); !errors.Is(err, btidx.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig for long key, got %v", err)
	}
	if err := tree.Insert([]byte("aaaa"), []byte("x")); !errors.Is(err, btidx.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig for short value, got %v", err)
	}
	if _, err := tree.Lookup([]byte("x")); !errors.Is(err, btidx.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig for short key, got %v", err)
	}
}

func TestSequentialInsert(t *testing.T) {
	tree, _ := newTree(t, 64, 128)

	for i := 1; i <= 20; i++ {
		if err := tree.Insert(key(i), val(i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
		if err := tree.SanityCheck(); err != nil {
			t.Fatalf("SanityCheck after insert %d failed: %v", i, err)
		}
	}

	count, err := tree.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 20 {
		t.Errorf("expected 20 keys, got %d", count)
	}

	for i := 1; i <= 20; i++ {
		got, err := tree.Lookup(key(i))
		if err != nil {
			t.Fatalf("Lookup %d failed: %v", i, err)
		}
		if !bytes.Equal(got, val(i)) {
			t.Errorf("key %d: got %q, want %q", i, got, val(i))
		}
	}

	if got := sortedKeys(t, tree); !sort.StringsAreSorted(got) {
		t.Errorf("leaf enumeration not sorted: %v", got)
	}
}

func TestReverseInsert(t *testing.T) {
	tree, _ := newTree(t, 64, 128)

	for i := 20; i >= 1; i-- {
		if err := tree.Insert(key(i), val(i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	if err := tree.SanityCheck(); err != nil {
		t.Fatalf("SanityCheck failed: %v", err)
	}

	for i := 1; i <= 20; i++ {
		got, err := tree.Lookup(key(i))
		if err != nil {
			t.Fatalf("Lookup %d failed: %v", i, err)
		}
		if !bytes.Equal(got, val(i)) {
			t.Errorf("key %d: got %q, want %q", i, got, val(i))
		}
	}

	got := sortedKeys(t, tree)
	if len(got) != 20 {
		t.Fatalf("expected 20 enumerated keys, got %d", len(got))
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("leaf enumeration not sorted: %v", got)
	}
}

func TestRootSplit(t *testing.T) {
	tree, _ := newTree(t, 64, 128)

	oldRoot := tree.Root()
	split := false
	for i := 1; i <= 60 && !split; i++ {
		if err := tree.Insert(key(i), val(i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
		split = tree.Root() != oldRoot
	}
	if !split {
		t.Fatal("root never split")
	}

	// The old root must have been relabeled interior under the new one.
	var buf strings.Builder
	if err := tree.Display(&buf, btidx.DisplayDepth); err != nil {
		t.Fatalf("Display failed: %v", err)
	}
	oldRootLine := ""
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, fmt.Sprintf("%d: ", oldRoot)) {
			oldRootLine = line
			break
		}
	}
	if !strings.Contains(oldRootLine, "Interior:") {
		t.Errorf("old root %d not shown as interior:\n%s", oldRoot, buf.String())
	}
	if err := tree.SanityCheck(); err != nil {
		t.Errorf("SanityCheck after root split failed: %v", err)
	}
}

func TestLeafFillAndSplit(t *testing.T) {
	tree, _ := newTree(t, 64, 128)

	// Leaf capacity at this geometry is 4. The first three inserts stay
	// in the bootstrap leaf; the fourth fills it and triggers the split
	// on the way back up.
	for i := 1; i <= 3; i++ {
		if err := tree.Insert(key(i), val(i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	var buf strings.Builder
	tree.Display(&buf, btidx.DisplayDepth)
	if strings.Count(buf.String(), "Leaf:") != 1 {
		t.Fatalf("expected a single leaf before the fill:\n%s", buf.String())
	}

	if err := tree.Insert(key(4), val(4)); err != nil {
		t.Fatalf("Insert 4 failed: %v", err)
	}
	buf.Reset()
	tree.Display(&buf, btidx.DisplayDepth)
	if strings.Count(buf.String(), "Leaf:") != 2 {
		t.Fatalf("expected two leaves after the fill:\n%s", buf.String())
	}
	if err := tree.SanityCheck(); err != nil {
		t.Errorf("SanityCheck failed: %v", err)
	}
}

func TestNoSpace(t *testing.T) {
	tree, _ := newTree(t, 64, 16)

	var inserted []int
	var lastErr error
	for i := 0; i < 1000; i++ {
		if err := tree.Insert(key(i), val(i)); err != nil {
			lastErr = err
			break
		}
		inserted = append(inserted, i)
	}
	if !errors.Is(lastErr, btidx.ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", lastErr)
	}
	if err := tree.SanityCheck(); err != nil {
		t.Errorf("SanityCheck after exhaustion failed: %v", err)
	}
	for _, i := range inserted {
		got, err := tree.Lookup(key(i))
		if err != nil {
			t.Errorf("Lookup %d after exhaustion failed: %v", i, err)
			continue
		}
		if !bytes.Equal(got, val(i)) {
			t.Errorf("key %d: got %q, want %q", i, got, val(i))
		}
	}
}

func TestBlockAccounting(t *testing.T) {
	tree, dev := newTree(t, 64, 128)

	for i := 1; i <= 50; i++ {
		if err := tree.Insert(key(i), val(i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}

	free, err := tree.FreeBlocks()
	if err != nil {
		t.Fatalf("FreeBlocks failed: %v", err)
	}
	s := dev.Stats()
	live := int(s.Allocs - s.Deallocs) // includes superblock and root
	if free+live != int(dev.NumBlocks()) {
		t.Errorf("free %d + live %d != %d blocks", free, live, dev.NumBlocks())
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")

	dev, err := block.OpenFileDevice(path, 64, 128)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}
	tree := btidx.New(4, 4, dev)
	if err := tree.Attach(0, true); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	for i := 1; i <= 30; i++ {
		if err := tree.Insert(key(i), val(i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	if err := tree.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	dev2, err := block.OpenFileDevice(path, 64, 128)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer dev2.Close()

	// Key and value sizes come from the superblock on a plain attach.
	tree2 := btidx.New(0, 0, dev2)
	if err := tree2.Attach(0, false); err != nil {
		t.Fatalf("re-attach failed: %v", err)
	}
	for i := 1; i <= 30; i++ {
		got, err := tree2.Lookup(key(i))
		if err != nil {
			t.Fatalf("Lookup %d after reopen failed: %v", i, err)
		}
		if !bytes.Equal(got, val(i)) {
			t.Errorf("key %d: got %q, want %q", i, got, val(i))
		}
	}
	if err := tree2.SanityCheck(); err != nil {
		t.Errorf("SanityCheck after reopen failed: %v", err)
	}
}

func TestDisplayDot(t *testing.T) {
	tree, _ := newTree(t, 64, 128)
	for i := 1; i <= 10; i++ {
		tree.Insert(key(i), val(i))
	}

	var buf strings.Builder
	if err := tree.Display(&buf, btidx.DisplayDepthDot); err != nil {
		t.Fatalf("Display failed: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "digraph tree {") || !strings.Contains(out, "->") {
		t.Errorf("unexpected dot output:\n%s", out)
	}
}

// sortedKeys parses the SortedKeyVal display into the enumerated keys.
func sortedKeys(t *testing.T, tree *btidx.Tree) []string {
	t.Helper()
	var buf strings.Builder
	if err := tree.Display(&buf, btidx.DisplaySortedKeyVal); err != nil {
		t.Fatalf("Display failed: %v", err)
	}
	var keys []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "(")
		line = strings.TrimSuffix(line, ")")
		parts := strings.SplitN(line, ",", 2)
		keys = append(keys, parts[0])
	}
	return keys
}
