package chainsync

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/types"
)

// AuthTracker is the client's authenticated view of chain history: the peaks of the MMR
// over every header plus the paths of blocks that hold client notes.
type AuthTracker struct {
	pm *merkle.PartialMmr
}

func NewAuthTracker(pm *merkle.PartialMmr) *AuthTracker {
	return &AuthTracker{pm: pm}
}

// VerifyInclusion checks that commitment sits in tree of header at the proof's index.
func VerifyInclusion(commitment common.Hash, proof types.InclusionProof, header *types.BlockHeader, tree types.TreeKind) bool {
	if proof.BlockNum != header.Number {
		return false
	}
	return merkle.VerifyPath(commitment, proof.Index, proof.Path, header.Root(tree))
}

// VerifyHeader checks an MMR path for header against the local peaks.
func (a *AuthTracker) VerifyHeader(header *types.BlockHeader, path []common.Hash) bool {
	return a.pm.VerifyInclusion(uint64(header.Number), header.Hash(), path)
}

// Height is the number of the last header added.
func (a *AuthTracker) Height() (uint32, bool) {
	if a.pm.Forest() == 0 {
		return 0, false
	}
	return uint32(a.pm.Forest() - 1), true
}

// Extend appends headers, which must continue the chain: each one links to its
// predecessor and commits to the history before it. track selects the blocks whose paths
// are kept. On error a is unchanged.
func (a *AuthTracker) Extend(prev *types.BlockHeader, headers []types.BlockHeader, track func(uint32) bool) error {
	next := a.pm.Clone()
	for i := range headers {
		h := &headers[i]
		if uint64(h.Number) != next.Forest() {
			return fmt.Errorf("header %d where %d was expected: %w", h.Number, next.Forest(), clienterrors.ErrHeaderChain)
		}
		if prev != nil && h.PrevHash != prev.Hash() {
			return fmt.Errorf("header %d does not link to %d: %w", h.Number, prev.Number, clienterrors.ErrHeaderChain)
		}
		if root := next.Root(); h.ChainRoot != root {
			return fmt.Errorf("header %d chain root %s, local history %s: %w", h.Number, h.ChainRoot, root, clienterrors.ErrChainRoot)
		}
		next.Add(h.Hash(), track != nil && track(h.Number))
		prev = h
	}
	a.pm = next
	return nil
}

// Track starts keeping the path of an already added block.
func (a *AuthTracker) Track(header *types.BlockHeader, path []common.Hash) error {
	if err := a.pm.Track(uint64(header.Number), header.Hash(), path); err != nil {
		return fmt.Errorf("block %d: %w: %w", header.Number, clienterrors.ErrUntrackedBlockProof, err)
	}
	return nil
}

func (a *AuthTracker) IsTracked(number uint32) bool { return a.pm.IsTracked(uint64(number)) }

// Prune drops the paths of tracked blocks keep rejects and returns how many were dropped.
func (a *AuthTracker) Prune(keep func(uint32) bool) int {
	n := 0
	for pos := range a.pm.Tracked() {
		if !keep(uint32(pos)) {
			a.pm.Untrack(pos)
			n++
		}
	}
	return n
}

// Open returns the MMR proof of a tracked block.
func (a *AuthTracker) Open(number uint32) (merkle.MmrProof, bool) {
	return a.pm.Open(uint64(number))
}

func (a *AuthTracker) Root() common.Hash { return a.pm.Root() }

func (a *AuthTracker) Clone() *AuthTracker { return &AuthTracker{pm: a.pm.Clone()} }

func (a *AuthTracker) PartialMmr() *merkle.PartialMmr { return a.pm }
