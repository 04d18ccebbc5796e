package merkle

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/common"
)

// TrackedLeaf is a leaf whose path to its current peak is maintained.
type TrackedLeaf struct {
	Leaf common.Hash   `json:"leaf"`
	Path []common.Hash `json:"path"`
}

// PartialMmr holds the peaks of the full range plus the paths of tracked leaves only.
// Paths of untracked leaves are never materialized.
type PartialMmr struct {
	forest  uint64
	peaks   []common.Hash
	tracked map[uint64]*TrackedLeaf
}

func NewPartialMmr(forest uint64, peaks []common.Hash) (*PartialMmr, error) {
	if len(peaks) != NumPeaks(forest) {
		return nil, fmt.Errorf("forest %d needs %d peaks, got %d", forest, NumPeaks(forest), len(peaks))
	}
	return &PartialMmr{
		forest:  forest,
		peaks:   append([]common.Hash(nil), peaks...),
		tracked: make(map[uint64]*TrackedLeaf),
	}, nil
}

func (p *PartialMmr) Forest() uint64 { return p.forest }

func (p *PartialMmr) Peaks() []common.Hash {
	return append([]common.Hash(nil), p.peaks...)
}

// Root is the value a block header at height Forest() commits to.
func (p *PartialMmr) Root() common.Hash {
	return HashPeaks(p.forest, p.peaks)
}

// Add appends a leaf and folds equal-height peaks, appending siblings to tracked paths.
func (p *PartialMmr) Add(leaf common.Hash, track bool) uint64 {
	pos := p.forest
	if track {
		p.tracked[pos] = &TrackedLeaf{Leaf: leaf}
	}
	current := leaf
	for h := uint(0); p.forest&(uint64(1)<<h) != 0; h++ {
		left := p.peaks[len(p.peaks)-1]
		p.peaks = p.peaks[:len(p.peaks)-1]
		leftStart := pos + 1 - (uint64(1) << (h + 1))
		rightStart := pos + 1 - (uint64(1) << h)
		for at, tl := range p.tracked {
			switch {
			case at >= leftStart && at < rightStart:
				tl.Path = append(tl.Path, current)
			case at >= rightStart && at <= pos:
				tl.Path = append(tl.Path, left)
			}
		}
		current = HashPair(left, current)
	}
	p.peaks = append(p.peaks, current)
	p.forest++
	return pos
}

// VerifyInclusion checks a path against the current peaks without modifying state.
func (p *PartialMmr) VerifyInclusion(pos uint64, leaf common.Hash, path []common.Hash) bool {
	return VerifyMmrPath(p.forest, p.peaks, pos, leaf, path)
}

// Track adopts a proof produced for a forest at least as large as ours. Siblings above
// the local peak are dropped before verification.
func (p *PartialMmr) Track(pos uint64, leaf common.Hash, path []common.Hash) error {
	_, height, _, ok := locate(p.forest, pos)
	if !ok {
		return fmt.Errorf("position %d outside forest %d", pos, p.forest)
	}
	if len(path) < height {
		return fmt.Errorf("path for position %d has %d siblings, need %d", pos, len(path), height)
	}
	trimmed := append([]common.Hash(nil), path[:height]...)
	if !p.VerifyInclusion(pos, leaf, trimmed) {
		return fmt.Errorf("path for position %d does not open to local peaks", pos)
	}
	p.tracked[pos] = &TrackedLeaf{Leaf: leaf, Path: trimmed}
	return nil
}

// Untrack prunes a leaf's path once nothing needs to prove it.
func (p *PartialMmr) Untrack(pos uint64) {
	delete(p.tracked, pos)
}

func (p *PartialMmr) IsTracked(pos uint64) bool {
	_, ok := p.tracked[pos]
	return ok
}

// Open returns the proof of a tracked leaf.
func (p *PartialMmr) Open(pos uint64) (MmrProof, bool) {
	tl, ok := p.tracked[pos]
	if !ok {
		return MmrProof{}, false
	}
	return MmrProof{Forest: p.forest, Position: pos, Path: append([]common.Hash(nil), tl.Path...)}, true
}

// Tracked returns a copy of every tracked leaf keyed by position.
func (p *PartialMmr) Tracked() map[uint64]TrackedLeaf {
	out := make(map[uint64]TrackedLeaf, len(p.tracked))
	for pos, tl := range p.tracked {
		out[pos] = TrackedLeaf{Leaf: tl.Leaf, Path: append([]common.Hash(nil), tl.Path...)}
	}
	return out
}

// Restore installs a persisted tracked leaf after checking it against the peaks.
func (p *PartialMmr) Restore(pos uint64, tl TrackedLeaf) error {
	if !p.VerifyInclusion(pos, tl.Leaf, tl.Path) {
		return fmt.Errorf("stored path for position %d does not open to peaks", pos)
	}
	p.tracked[pos] = &TrackedLeaf{Leaf: tl.Leaf, Path: append([]common.Hash(nil), tl.Path...)}
	return nil
}

func (p *PartialMmr) Clone() *PartialMmr {
	c := &PartialMmr{
		forest:  p.forest,
		peaks:   p.Peaks(),
		tracked: make(map[uint64]*TrackedLeaf, len(p.tracked)),
	}
	for pos, tl := range p.tracked {
		c.tracked[pos] = &TrackedLeaf{Leaf: tl.Leaf, Path: append([]common.Hash(nil), tl.Path...)}
	}
	return c
}
