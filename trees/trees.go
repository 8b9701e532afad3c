// Package trees implements a tree of values addressed by string paths, the Go parallel
// of a "PyTree": a nested string-keyed structure with the interesting data on the leaves.
//
// It is used to organize the per-layer key/value caches of the transformer (one leaf per
// cached tensor) and to move those structures through a graph execution boundary: a tree
// can be flattened to an ordered list of leaves with ValuesAsList, and a parallel tree of
// a different leaf type (say, graph nodes instead of tensors) rebuilt from such a list
// with FromValuesAndTree.
package trees

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Node is either a leaf holding a Value, or a Map of its children -- never both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

// IsLeaf returns whether the node holds a value, as opposed to children.
func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node of a tree of T leaves.
type Tree[T any] struct {
	Root *Node[T] // Always a map node.
}

// Path is a path of map keys from the root to a node.
type Path []string

// String implements fmt.Stringer.
func (p Path) String() string { return strings.Join(p, "/") }

// New creates an empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{Root: newMapNode[T]()}
}

func newMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// Set the value at treePath, creating intermediary map nodes as needed.
//
// It returns an error if treePath is empty, or if it crosses or lands on a node of the
// wrong kind: a node is either a leaf or a map, never both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	if len(treePath) == 0 {
		var t T
		return errors.Errorf("trees.Tree[%T].Set() given an empty path", t)
	}
	node := tree.Root
	for ii, pathElement := range treePath {
		if node.IsLeaf() {
			var t T
			return errors.Errorf("trees.Tree[%T].Set(%q): path crosses the existing leaf node %q",
				t, treePath, treePath[:ii])
		}
		next := node.Map[pathElement]
		if next == nil {
			if ii == len(treePath)-1 {
				next = &Node[T]{Value: value}
			} else {
				next = newMapNode[T]()
			}
			node.Map[pathElement] = next
		}
		node = next
	}
	if !node.IsLeaf() {
		var t T
		return errors.Errorf("trees.Tree[%T].Set(%q): path points to a non-leaf node", t, treePath)
	}
	node.Value = value
	return nil
}

// Get returns the leaf value at treePath.
// It returns an error if the path doesn't exist or doesn't point to a leaf.
func (tree *Tree[T]) Get(treePath Path) (value T, err error) {
	node := tree.Root
	for ii, pathElement := range treePath {
		if node.IsLeaf() {
			err = errors.Errorf("trees.Tree.Get(%q): path crosses the leaf node %q", treePath, treePath[:ii])
			return
		}
		node = node.Map[pathElement]
		if node == nil {
			err = errors.Errorf("trees.Tree.Get(%q): path not found", treePath)
			return
		}
	}
	if !node.IsLeaf() {
		err = errors.Errorf("trees.Tree.Get(%q): path points to a non-leaf node", treePath)
		return
	}
	return node.Value, nil
}

// MustGet is like Get, but panics on error. Used where a missing path is a programming error.
func (tree *Tree[T]) MustGet(treePath Path) T {
	value, err := tree.Get(treePath)
	if err != nil {
		panic(err)
	}
	return value
}

// NumLeaves traverses the tree and returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// Leaves iterates over all (Path, value) leaf pairs, in non-deterministic order.
// See OrderedLeaves for a deterministic traversal.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// OrderedLeaves iterates over all (Path, value) leaf pairs depth-first, visiting map keys
// in alphabetical order. This is the canonical order used to flatten a tree.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
	} else {
		for key, subNode := range node.Map {
			if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
				return false
			}
		}
	}
	return true
}

// Map converts a Tree[T1] to a Tree[T2] with the same structure, calling mapFn on every leaf.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		if err := tree2.Set(p, mapFn(p, t1)); err != nil {
			// Duplicating the structure of a valid tree can't fail.
			panic(err)
		}
	}
	return tree2
}

// ValuesAsList flattens the tree's leaf values into a list, in OrderedLeaves order.
//
// Together with FromValuesAndTree it is used to move a tree across an execution boundary
// that only takes flat lists of values.
func ValuesAsList[T any](tree *Tree[T]) []T {
	results := make([]T, 0, tree.NumLeaves())
	for _, value := range tree.OrderedLeaves() {
		results = append(results, value)
	}
	return results
}

// FromValuesAndTree builds a Tree[T1] from a flat list of values and the structure of the
// given tree (whose own values are ignored). The values must be in OrderedLeaves order,
// as produced by ValuesAsList.
func FromValuesAndTree[T1, T2 any](values []T1, structure *Tree[T2]) *Tree[T1] {
	numLeaves := structure.NumLeaves()
	if len(values) != numLeaves {
		exceptions.Panicf("trees.FromValuesAndTree: %d values given, but the structure tree has %d leaves",
			len(values), numLeaves)
	}
	newTree := New[T1]()
	var idx int
	for treePath := range structure.OrderedLeaves() {
		if err := newTree.Set(treePath, values[idx]); err != nil {
			panic(err)
		}
		idx++
	}
	return newTree
}

// String implements fmt.Stringer, printing one leaf per line.
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if subTree.IsLeaf() {
		var valueAny any = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(subTree.Map) {
		parts = nodeToString(parts, key, subTree.Map[key], indent)
	}
	parts = append(parts, fmt.Sprintf("%s}", indentSpaces))
	return parts
}
