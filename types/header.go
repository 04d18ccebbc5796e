package types

import (
	"encoding/json"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// BlockHeader links to its predecessor and commits to the MMR of every earlier header
// (ChainRoot) and to the per-block trees.
type BlockHeader struct {
	Number        uint32      `json:"number"`
	PrevHash      common.Hash `json:"prev_hash"`
	ChainRoot     common.Hash `json:"chain_root"`
	NoteRoot      common.Hash `json:"note_root"`
	NullifierRoot common.Hash `json:"nullifier_root"`
	AccountRoot   common.Hash `json:"account_root"`
	TxRoot        common.Hash `json:"tx_root"`
	Timestamp     uint64      `json:"timestamp"`
}

func (h *BlockHeader) Hash() common.Hash {
	enc, _ := rlp.EncodeToBytes(h)
	return common.Keccak256(enc)
}

func (h *BlockHeader) String() string {
	b, _ := json.Marshal(h)
	return string(b)
}

// TreeKind selects which per-block tree an inclusion proof opens.
type TreeKind uint8

const (
	TreeNotes TreeKind = iota
	TreeNullifiers
	TreeAccounts
	TreeTransactions
)

func (k TreeKind) String() string {
	switch k {
	case TreeNotes:
		return "notes"
	case TreeNullifiers:
		return "nullifiers"
	case TreeAccounts:
		return "accounts"
	case TreeTransactions:
		return "transactions"
	default:
		return "unknown"
	}
}

// Root returns the header field committing to tree kind k.
func (h *BlockHeader) Root(k TreeKind) common.Hash {
	switch k {
	case TreeNotes:
		return h.NoteRoot
	case TreeNullifiers:
		return h.NullifierRoot
	case TreeAccounts:
		return h.AccountRoot
	case TreeTransactions:
		return h.TxRoot
	default:
		return common.Hash{}
	}
}

// StoredHeader is a header plus whether the client keeps its MMR path.
type StoredHeader struct {
	Header         BlockHeader `json:"header"`
	HasClientNotes bool        `json:"has_client_notes"`
}
