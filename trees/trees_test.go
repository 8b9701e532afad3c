package trees

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type expectedTreeValueType[T any] struct {
	p Path
	v T
}

func verifyTreeValues[T any](t *testing.T, tree *Tree[T], wantValues []expectedTreeValueType[T]) {
	count := 0
	for p, v := range tree.OrderedLeaves() {
		if count >= len(wantValues) {
			t.Fatalf("tree ranged over more leaves than the %d expected", len(wantValues))
		}
		require.Equalf(t, wantValues[count].p, p, "Unexpected path %q -- maybe out-of-order?", p)
		require.Equalf(t, wantValues[count].v, v, "Unexpected value for path %q", p)
		count++
	}
	if count != len(wantValues) {
		t.Fatalf("tree only ranged over %d leaf-values, but we expected %d values", count, len(wantValues))
	}
}

func createTestTree(t *testing.T) *Tree[int] {
	tree := New[int]()
	require.NoError(t, tree.Set(Path{"layer_0", "k"}, 1))
	require.NoError(t, tree.Set(Path{"layer_0", "v"}, 2))
	require.NoError(t, tree.Set(Path{"layer_1", "k"}, 3))
	return tree
}

func TestNewAndSet(t *testing.T) {
	tree := createTestTree(t)
	fmt.Printf("Tree:\n%v\n", tree)

	require.Equal(t, 1, tree.Root.Map["layer_0"].Map["k"].Value)
	require.Equal(t, 2, tree.Root.Map["layer_0"].Map["v"].Value)
	require.Equal(t, 3, tree.Root.Map["layer_1"].Map["k"].Value)

	err := tree.Set(Path{"layer_0"}, 4)
	fmt.Printf("\texpected error trying to set non-leaf node: %v\n", err)
	require.ErrorContains(t, err, "points to a non-leaf node")

	err = tree.Set(Path{"layer_0", "k", "0"}, 5)
	fmt.Printf("\texpected error trying to use leaf node as structure: %v\n", err)
	require.ErrorContains(t, err, "crosses the existing leaf node")

	err = tree.Set(nil, 6)
	require.ErrorContains(t, err, "empty path")
}

func TestGet(t *testing.T) {
	tree := createTestTree(t)
	v, err := tree.Get(Path{"layer_0", "v"})
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.Equal(t, 3, tree.MustGet(Path{"layer_1", "k"}))

	_, err = tree.Get(Path{"layer_2", "k"})
	require.ErrorContains(t, err, "path not found")
	_, err = tree.Get(Path{"layer_0"})
	require.ErrorContains(t, err, "points to a non-leaf node")
}

func TestOrderedLeaves(t *testing.T) {
	tree := createTestTree(t)
	verifyTreeValues(t, tree, []expectedTreeValueType[int]{
		{Path{"layer_0", "k"}, 1},
		{Path{"layer_0", "v"}, 2},
		{Path{"layer_1", "k"}, 3},
	})
	require.Equal(t, 3, tree.NumLeaves())
}

func TestMap(t *testing.T) {
	tree := createTestTree(t)
	treeFloat := Map(tree, func(_ Path, v int) float32 { return float32(v) })
	verifyTreeValues(t, treeFloat, []expectedTreeValueType[float32]{
		{Path{"layer_0", "k"}, 1},
		{Path{"layer_0", "v"}, 2},
		{Path{"layer_1", "k"}, 3},
	})
}

func TestValuesAsList(t *testing.T) {
	tree := createTestTree(t)
	require.Equal(t, []int{1, 2, 3}, ValuesAsList(tree))
}

func TestFromValuesAndTree(t *testing.T) {
	tree := createTestTree(t)
	newValues := []float64{1.01, 2.02, 3.03}
	newTree := FromValuesAndTree(newValues, tree)
	verifyTreeValues(t, newTree, []expectedTreeValueType[float64]{
		{Path{"layer_0", "k"}, 1.01},
		{Path{"layer_0", "v"}, 2.02},
		{Path{"layer_1", "k"}, 3.03},
	})
}
