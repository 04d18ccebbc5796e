package common

import (
	"encoding/binary"

	ethereumCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// Hash is the 32-byte digest used for every commitment in the client.
type Hash = ethereumCommon.Hash

const HashLength = ethereumCommon.HashLength

var ZeroHash Hash

func BytesToHash(b []byte) Hash {
	return ethereumCommon.BytesToHash(b)
}

func HexToHash(s string) Hash {
	return ethereumCommon.HexToHash(s)
}

// Blake2Hash computes the BLAKE2b-256 of the concatenated inputs.
func Blake2Hash(data ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, d := range data {
		h.Write(d)
	}
	return BytesToHash(h.Sum(nil))
}

// Keccak256 computes the legacy Keccak-256 of the concatenated inputs.
func Keccak256(data ...[]byte) Hash {
	return crypto.Keccak256Hash(data...)
}

func Uint64ToBytes(val uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, val)
	return bytes
}

func Uint32ToBytes(val uint32) []byte {
	bytes := make([]byte, 4)
	binary.BigEndian.PutUint32(bytes, val)
	return bytes
}

func BytesToUint64(data []byte) uint64 {
	if len(data) < 8 {
		panic("BytesToUint64: byte slice too short")
	}
	return binary.BigEndian.Uint64(data)
}

func BytesToUint32(data []byte) uint32 {
	if len(data) < 4 {
		panic("BytesToUint32: byte slice too short")
	}
	return binary.BigEndian.Uint32(data)
}

// HashesToBytes flattens a hash list for hashing.
func HashesToBytes(hs []Hash) []byte {
	out := make([]byte, 0, len(hs)*HashLength)
	for _, h := range hs {
		out = append(out, h.Bytes()...)
	}
	return out
}
