package merkle

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/noteclient/common"
)

// MmrProof opens the leaf at Position in an MMR of Forest leaves.
// Path is ordered from the leaf up to its peak.
type MmrProof struct {
	Forest   uint64        `json:"forest"`
	Position uint64        `json:"position"`
	Path     []common.Hash `json:"path"`
}

// locate finds the tree of forest holding pos: its peak index, height and first leaf.
func locate(forest, pos uint64) (peak int, height int, start uint64, ok bool) {
	for b := 63; b >= 0; b-- {
		size := uint64(1) << uint(b)
		if forest&size == 0 {
			continue
		}
		if pos < start+size {
			return peak, b, start, true
		}
		start += size
		peak++
	}
	return 0, 0, 0, false
}

// NumPeaks is the number of perfect trees in a forest.
func NumPeaks(forest uint64) int {
	return bits.OnesCount64(forest)
}

// VerifyMmrPath checks that leaf sits at pos under the given peaks.
func VerifyMmrPath(forest uint64, peaks []common.Hash, pos uint64, leaf common.Hash, path []common.Hash) bool {
	if len(peaks) != NumPeaks(forest) {
		return false
	}
	peak, height, start, ok := locate(forest, pos)
	if !ok || len(path) != height {
		return false
	}
	root, ok := ComputeRoot(leaf, pos-start, path)
	return ok && root == peaks[peak]
}

// Mmr keeps every leaf. The node side and tests use it; the client keeps a PartialMmr.
type Mmr struct {
	leaves []common.Hash
}

func NewMmr() *Mmr {
	return &Mmr{}
}

func (m *Mmr) Add(leaf common.Hash) uint64 {
	m.leaves = append(m.leaves, leaf)
	return uint64(len(m.leaves) - 1)
}

func (m *Mmr) Forest() uint64 { return uint64(len(m.leaves)) }

func perfectLevels(leaves []common.Hash) [][]common.Hash {
	levels := [][]common.Hash{leaves}
	for cur := leaves; len(cur) > 1; {
		next := make([]common.Hash, len(cur)/2)
		for i := range next {
			next[i] = HashPair(cur[2*i], cur[2*i+1])
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

func (m *Mmr) PeaksAt(forest uint64) []common.Hash {
	peaks := make([]common.Hash, 0, NumPeaks(forest))
	start := uint64(0)
	for b := 63; b >= 0; b-- {
		size := uint64(1) << uint(b)
		if forest&size == 0 {
			continue
		}
		levels := perfectLevels(m.leaves[start : start+size])
		peaks = append(peaks, levels[len(levels)-1][0])
		start += size
	}
	return peaks
}

func (m *Mmr) Peaks() []common.Hash { return m.PeaksAt(m.Forest()) }

// RootAt is the bagged peaks of the first forest leaves.
func (m *Mmr) RootAt(forest uint64) common.Hash {
	return HashPeaks(forest, m.PeaksAt(forest))
}

func (m *Mmr) Root() common.Hash { return m.RootAt(m.Forest()) }

// Open returns the proof for pos in the current forest.
func (m *Mmr) Open(pos uint64) (MmrProof, error) {
	forest := m.Forest()
	_, height, start, ok := locate(forest, pos)
	if !ok {
		return MmrProof{}, fmt.Errorf("position %d out of bounds (forest=%d)", pos, forest)
	}
	levels := perfectLevels(m.leaves[start : start+(uint64(1)<<uint(height))])
	path := make([]common.Hash, height)
	index := pos - start
	for level := 0; level < height; level++ {
		path[level] = levels[level][index^1]
		index /= 2
	}
	return MmrProof{Forest: forest, Position: pos, Path: path}, nil
}
