package btidx

import (
	"fmt"
	"io"

	"github.com/oda/btidx/internal/node"
)

// DisplayMode selects the Display output format.
type DisplayMode int

const (
	// DisplayDepth prints one line per node, depth-first.
	DisplayDepth DisplayMode = iota
	// DisplayDepthDot prints the tree as a Graphviz digraph.
	DisplayDepthDot
	// DisplaySortedKeyVal prints (key,value) pairs from the leaves in
	// ascending key order.
	DisplaySortedKeyVal
)

// Display writes a depth-first dump of the tree. No mutations.
func (t *Tree) Display(w io.Writer, mode DisplayMode) error {
	if err := t.checkAttached(); err != nil {
		return err
	}
	if mode == DisplayDepthDot {
		if _, err := fmt.Fprintf(w, "digraph tree {\n"); err != nil {
			return err
		}
	}
	if err := t.displayNode(w, t.sb.RootNode, mode); err != nil {
		return err
	}
	if mode == DisplayDepthDot {
		if _, err := fmt.Fprintf(w, "}\n"); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) displayNode(w io.Writer, idx uint32, mode DisplayMode) error {
	n, err := node.Read(t.dev, idx)
	if err != nil {
		return err
	}
	if err := printNode(w, idx, n, mode); err != nil {
		return err
	}
	if mode == DisplayDepthDot {
		fmt.Fprint(w, ";")
	}
	if mode != DisplaySortedKeyVal {
		fmt.Fprintln(w)
	}
	switch n.Type {
	case node.TypeRoot, node.TypeInterior:
		kids, err := t.children(n)
		if err != nil {
			return err
		}
		for _, c := range kids {
			if mode == DisplayDepthDot {
				fmt.Fprintf(w, "%d -> %d;\n", idx, c)
			}
			if err := t.displayNode(w, c, mode); err != nil {
				return err
			}
		}
		return nil
	case node.TypeLeaf:
		return nil
	default:
		return fmt.Errorf("block %d holds a %s node: %w", idx, n.Type, ErrInsane)
	}
}

func printNode(w io.Writer, idx uint32, n *node.Node, mode DisplayMode) error {
	switch mode {
	case DisplayDepthDot:
		fmt.Fprintf(w, "%d [ label=\"%d: ", idx, idx)
	case DisplayDepth:
		fmt.Fprintf(w, "%d: ", idx)
	}

	switch n.Type {
	case node.TypeRoot, node.TypeInterior:
		if mode != DisplaySortedKeyVal {
			if mode == DisplayDepth {
				fmt.Fprint(w, "Interior: ")
			}
			for i := uint32(0); i <= n.NumKeys; i++ {
				ptr, err := n.Ptr(i)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "*%d ", ptr)
				if i == n.NumKeys {
					break
				}
				key, err := n.Key(i)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s ", key)
			}
		}
	case node.TypeLeaf:
		if mode == DisplayDepth {
			fmt.Fprint(w, "Leaf: ")
		}
		if mode != DisplaySortedKeyVal {
			ptr, err := n.Ptr(0)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "*%d ", ptr)
		}
		for i := uint32(0); i < n.NumKeys; i++ {
			key, err := n.Key(i)
			if err != nil {
				return err
			}
			val, err := n.Val(i)
			if err != nil {
				return err
			}
			switch mode {
			case DisplaySortedKeyVal:
				fmt.Fprintf(w, "(%s,%s)\n", key, val)
			default:
				fmt.Fprintf(w, "%s %s ", key, val)
			}
		}
	default:
		fmt.Fprintf(w, "Unsupported Node Type %s", n.Type)
	}

	if mode == DisplayDepthDot {
		fmt.Fprint(w, "\" ]")
	}
	return nil
}
