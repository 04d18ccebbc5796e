// Package merkle implements the authenticated structures the client verifies against:
// fixed-depth per-block trees and the Merkle Mountain Range over block headers.
package merkle

import (
	"github.com/colorfulnotion/noteclient/common"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// fieldBytes reduces an arbitrary 32-byte value into a canonical bn254 scalar encoding.
func fieldBytes(b []byte) []byte {
	var e fr.Element
	e.SetBytes(b)
	out := e.Bytes()
	return out[:]
}

// HashPair is the MiMC-bn254 compression of two child nodes.
func HashPair(left, right common.Hash) common.Hash {
	h := mimc.NewMiMC()
	h.Write(fieldBytes(left[:]))
	h.Write(fieldBytes(right[:]))
	return common.BytesToHash(h.Sum(nil))
}

// HashPeaks bags the MMR peaks together with the forest size.
func HashPeaks(forest uint64, peaks []common.Hash) common.Hash {
	if forest == 0 {
		return common.ZeroHash
	}
	h := mimc.NewMiMC()
	h.Write(fieldBytes(common.Uint64ToBytes(forest)))
	for _, p := range peaks {
		h.Write(fieldBytes(p[:]))
	}
	return common.BytesToHash(h.Sum(nil))
}
