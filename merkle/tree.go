package merkle

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/common"
)

const (
	// TreeDepth is the depth of every per-block tree (notes, nullifiers, accounts, transactions).
	TreeDepth = 16

	// MaxTreeSize is the maximum number of leaves per block tree
	MaxTreeSize = 1 << TreeDepth
)

var zeroHashes = func() []common.Hash {
	z := make([]common.Hash, TreeDepth+1)
	for i := 1; i <= TreeDepth; i++ {
		z[i] = HashPair(z[i-1], z[i-1])
	}
	return z
}()

// EmptyRoot is the root of a block tree with no leaves.
func EmptyRoot() common.Hash {
	return zeroHashes[TreeDepth]
}

// Tree is an append-only fixed-depth tree. Empty positions hash as zero subtrees.
type Tree struct {
	root  common.Hash
	size  uint64
	nodes map[uint8]map[uint64]common.Hash
}

func NewTree() *Tree {
	return &Tree{
		root:  zeroHashes[TreeDepth],
		nodes: make(map[uint8]map[uint64]common.Hash),
	}
}

// BuildTree returns a tree holding leaves in order.
func BuildTree(leaves []common.Hash) (*Tree, error) {
	t := NewTree()
	if err := t.AppendBatch(leaves); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) Root() common.Hash { return t.root }

func (t *Tree) Size() uint64 { return t.size }

// AppendBatch adds multiple leaves to the tree
func (t *Tree) AppendBatch(leaves []common.Hash) error {
	if t.size+uint64(len(leaves)) > MaxTreeSize {
		return fmt.Errorf("tree capacity exceeded: current=%d, adding=%d, max=%d", t.size, len(leaves), MaxTreeSize)
	}
	for _, leaf := range leaves {
		t.updatePath(t.size, leaf)
		t.size++
	}
	return nil
}

func (t *Tree) node(level uint8, index uint64) common.Hash {
	if levelNodes, ok := t.nodes[level]; ok {
		if h, ok := levelNodes[index]; ok {
			return h
		}
	}
	return zeroHashes[level]
}

// updatePath updates internal nodes from leaf to root
func (t *Tree) updatePath(index uint64, leaf common.Hash) {
	current := leaf
	for level := uint8(0); level < TreeDepth; level++ {
		if t.nodes[level] == nil {
			t.nodes[level] = make(map[uint64]common.Hash)
		}
		t.nodes[level][index] = current
		if index%2 == 0 {
			current = HashPair(current, t.node(level, index+1))
		} else {
			current = HashPair(t.node(level, index-1), current)
		}
		index /= 2
	}
	t.root = current
}

// Path returns the sibling path of the leaf at position, ordered from the leaf upward.
func (t *Tree) Path(position uint64) ([]common.Hash, error) {
	if position >= t.size {
		return nil, fmt.Errorf("position %d out of bounds (size=%d)", position, t.size)
	}
	path := make([]common.Hash, TreeDepth)
	index := position
	for level := uint8(0); level < TreeDepth; level++ {
		path[level] = t.node(level, index^1)
		index /= 2
	}
	return path, nil
}

// ComputeRoot folds a sibling path over leaf. The path length fixes the tree height.
func ComputeRoot(leaf common.Hash, index uint64, path []common.Hash) (common.Hash, bool) {
	if len(path) < 64 && index>>uint(len(path)) != 0 {
		return common.Hash{}, false
	}
	current := leaf
	for _, sibling := range path {
		if index&1 == 0 {
			current = HashPair(current, sibling)
		} else {
			current = HashPair(sibling, current)
		}
		index >>= 1
	}
	return current, true
}

// VerifyPath checks a block-tree path produced by Tree.Path against root.
func VerifyPath(leaf common.Hash, index uint64, path []common.Hash, root common.Hash) bool {
	if len(path) != TreeDepth {
		return false
	}
	got, ok := ComputeRoot(leaf, index, path)
	return ok && got == root
}
