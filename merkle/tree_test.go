package merkle

import (
	"fmt"
	"testing"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/stretchr/testify/require"
)

func leafAt(i int) common.Hash {
	return common.Keccak256([]byte(fmt.Sprintf("leaf-%d", i)))
}

func TestTreePaths(t *testing.T) {
	tree := NewTree()
	require.Equal(t, EmptyRoot(), tree.Root())

	leaves := make([]common.Hash, 5)
	for i := range leaves {
		leaves[i] = leafAt(i)
	}
	require.NoError(t, tree.AppendBatch(leaves))
	root := tree.Root()

	for i, leaf := range leaves {
		path, err := tree.Path(uint64(i))
		require.NoError(t, err)
		require.True(t, VerifyPath(leaf, uint64(i), path, root), "leaf %d", i)
		require.False(t, VerifyPath(leaf, uint64(i+1), path, root), "leaf %d at wrong index", i)
	}

	path, _ := tree.Path(2)
	require.False(t, VerifyPath(leafAt(99), 2, path, root))
	require.False(t, VerifyPath(leaves[2], 2, path[:TreeDepth-1], root))

	_, err := tree.Path(5)
	require.Error(t, err)

	rebuilt, err := BuildTree(leaves)
	require.NoError(t, err)
	require.Equal(t, root, rebuilt.Root())
}

func TestMmrOpenAndVerify(t *testing.T) {
	m := NewMmr()
	for i := 0; i < 11; i++ {
		m.Add(leafAt(i))
	}
	require.Len(t, m.Peaks(), 3)
	for pos := uint64(0); pos < 11; pos++ {
		proof, err := m.Open(pos)
		require.NoError(t, err)
		require.True(t, VerifyMmrPath(m.Forest(), m.Peaks(), pos, leafAt(int(pos)), proof.Path), "pos %d", pos)
	}
	require.NotEqual(t, m.RootAt(10), m.Root())
}

func TestPartialMmrTracksOnlyRequestedLeaves(t *testing.T) {
	full := NewMmr()
	partial, err := NewPartialMmr(0, nil)
	require.NoError(t, err)

	track := map[int]bool{2: true, 7: true, 12: true}
	for i := 0; i < 20; i++ {
		full.Add(leafAt(i))
		partial.Add(leafAt(i), track[i])
		require.Equal(t, full.Root(), partial.Root(), "after %d leaves", i+1)
	}

	require.Len(t, partial.Tracked(), 3)
	for i := range track {
		proof, ok := partial.Open(uint64(i))
		require.True(t, ok)
		fullProof, err := full.Open(uint64(i))
		require.NoError(t, err)
		require.Equal(t, fullProof.Path, proof.Path)
		require.True(t, partial.VerifyInclusion(uint64(i), leafAt(i), proof.Path))
	}
	_, ok := partial.Open(3)
	require.False(t, ok)

	partial.Untrack(7)
	require.False(t, partial.IsTracked(7))
}

func TestPartialMmrTrackTrimsLongerPath(t *testing.T) {
	full := NewMmr()
	for i := 0; i < 6; i++ {
		full.Add(leafAt(i))
	}
	partial, err := NewPartialMmr(full.Forest(), full.Peaks())
	require.NoError(t, err)

	for i := 6; i < 16; i++ {
		full.Add(leafAt(i))
	}
	// The node's forest has 16 leaves; locally leaf 1 lives in the 4-leaf tree.
	proof, err := full.Open(1)
	require.NoError(t, err)
	require.Len(t, proof.Path, 4)
	require.NoError(t, partial.Track(1, leafAt(1), proof.Path))
	got, ok := partial.Open(1)
	require.True(t, ok)
	require.Len(t, got.Path, 2)

	require.Error(t, partial.Track(1, leafAt(2), proof.Path))
	require.Error(t, partial.Track(40, leafAt(1), proof.Path))

	clone := partial.Clone()
	clone.Add(leafAt(6), false)
	require.NotEqual(t, clone.Root(), partial.Root())
	require.Equal(t, uint64(6), partial.Forest())
}
