package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootSingleLeaf(t *testing.T) {
	require.Equal(t, nodeIndex(0), root(1))
}

func TestNodeWidth(t *testing.T) {
	cases := []struct {
		leaves leafCount
		width  uint32
	}{
		{0, 0},
		{1, 1},
		{2, 3},
		{3, 5},
		{4, 7},
		{5, 9},
		{8, 15},
	}
	for _, c := range cases {
		require.Equal(t, c.width, nodeWidth(c.leaves), "leaves=%d", c.leaves)
	}
}

func TestLeafNodeIndexRoundTrip(t *testing.T) {
	for l := leafIndex(0); l < 32; l++ {
		n := toNodeIndex(l)
		require.True(t, isLeaf(n))
		require.Equal(t, l, toLeafIndex(n))
	}
}

// TestDirpathReachesRoot checks that walking a leaf's direct path always
// lands on the tree's root, for every leaf of every tree size from 1 to
// 32 members — the property every other tree operation (filteredDirectPath,
// resolution, parent-hash chain) depends on.
func TestDirpathReachesRoot(t *testing.T) {
	for size := leafCount(1); size <= 32; size++ {
		r := root(size)
		for l := leafIndex(0); uint32(l) < uint32(size); l++ {
			path := dirpath(toNodeIndex(l), size)
			if toNodeIndex(l) == r {
				require.Empty(t, path)
				continue
			}
			require.Equal(t, r, path[len(path)-1], "size=%d leaf=%d", size, l)
		}
	}
}

// TestCopathMatchesDirpathLength checks the co-path (the set of sibling
// subtree roots a path encryptor must seal to) has exactly one entry per
// direct-path step.
func TestCopathMatchesDirpathLength(t *testing.T) {
	for size := leafCount(2); size <= 32; size++ {
		for l := leafIndex(0); uint32(l) < uint32(size); l++ {
			n := toNodeIndex(l)
			dp := dirpath(n, size)
			cp := copath(n, size)
			require.Len(t, cp, len(dp), "size=%d leaf=%d", size, l)
		}
	}
}

func TestSiblingIsInvolution(t *testing.T) {
	size := leafCount(11)
	r := root(size)
	for n := nodeIndex(0); uint32(n) < nodeWidth(size); n++ {
		if n == r {
			continue
		}
		s := sibling(n, size)
		require.Equal(t, n, sibling(s, size), "n=%d", n)
	}
}

func TestParentOfChildrenIsSelf(t *testing.T) {
	size := leafCount(13)
	r := root(size)
	for n := nodeIndex(0); uint32(n) < nodeWidth(size); n++ {
		if isLeaf(n) || n == r {
			continue
		}
		require.Equal(t, n, parent(left(n), size))
		require.Equal(t, n, parent(right(n, size), size))
	}
}
