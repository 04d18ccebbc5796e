package types

import (
	"github.com/colorfulnotion/noteclient/common"
)

// AccountSnapshot is the node's view of an account. Account is set for public accounts only.
type AccountSnapshot struct {
	ID         AccountID   `json:"id"`
	Nonce      uint64      `json:"nonce"`
	Commitment common.Hash `json:"commitment"`
	BlockNum   uint32      `json:"block_num"`
	Account    *Account    `json:"account,omitempty"`
}

func AccountLeaf(id AccountID, nonce uint64, commitment common.Hash) common.Hash {
	return common.Keccak256(id[:], common.Uint64ToBytes(nonce), commitment[:])
}

func NullifierLeaf(nf Nullifier) common.Hash {
	return common.Keccak256(nf[:])
}

func TransactionLeaf(id TxID, account AccountID, final common.Hash) common.Hash {
	return common.Keccak256(id[:], account[:], final[:])
}

type NullifierUpdate struct {
	Nullifier Nullifier      `json:"nullifier"`
	Proof     InclusionProof `json:"proof"`
}

type AccountUpdate struct {
	Snapshot AccountSnapshot `json:"snapshot"`
	Proof    InclusionProof  `json:"proof"`
}

type TransactionUpdate struct {
	ID              TxID           `json:"id"`
	AccountID       AccountID      `json:"account_id"`
	FinalCommitment common.Hash    `json:"final_commitment"`
	Proof           InclusionProof `json:"proof"`
}

// SyncUpdate is everything the node reports past a height. Headers are contiguous from
// the requested height plus one; every other item carries a proof against one of them.
type SyncUpdate struct {
	ChainTip     uint32              `json:"chain_tip"`
	Headers      []BlockHeader       `json:"headers"`
	Notes        []ChainNote         `json:"notes"`
	Nullifiers   []NullifierUpdate   `json:"nullifiers"`
	Accounts     []AccountUpdate     `json:"accounts"`
	Transactions []TransactionUpdate `json:"transactions"`
}

func (u *SyncUpdate) IsEmpty() bool {
	return len(u.Headers) == 0 && len(u.Notes) == 0 && len(u.Nullifiers) == 0 &&
		len(u.Accounts) == 0 && len(u.Transactions) == 0
}

// LastHeight is the height the client reaches after applying the update.
func (u *SyncUpdate) LastHeight(current uint32) uint32 {
	if len(u.Headers) == 0 {
		return current
	}
	return u.Headers[len(u.Headers)-1].Number
}
