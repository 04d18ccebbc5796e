package common

import (
	"testing"
)

func TestHashHelpers(t *testing.T) {
	a := Keccak256([]byte("ab"), []byte("c"))
	b := Keccak256([]byte("abc"))
	if a != b {
		t.Fatalf("Keccak256 must hash the concatenation: %s != %s", a, b)
	}
	if Blake2Hash([]byte("a"), []byte("bc")) != Blake2Hash([]byte("abc")) {
		t.Fatalf("Blake2Hash must hash the concatenation")
	}
	if Blake2Hash([]byte("abc")) == b {
		t.Fatalf("distinct hash functions collided")
	}
	if BytesToUint64(Uint64ToBytes(1<<40+7)) != 1<<40+7 {
		t.Fatalf("uint64 round trip failed")
	}
	if BytesToUint32(Uint32ToBytes(11)) != 11 {
		t.Fatalf("uint32 round trip failed")
	}
	if len(HashesToBytes([]Hash{a, b})) != 2*HashLength {
		t.Fatalf("unexpected flattened length")
	}
}
