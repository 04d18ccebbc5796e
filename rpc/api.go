// Package rpc is the client's view of a node: the NodeRPC contract, a JSON-RPC transport
// for it, a websocket feed of new chain heads and an in-memory node for tests.
package rpc

import (
	"context"

	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/types"
)

// NullifierPrefix selects nullifiers by their first two bytes so the node does not learn
// exactly which notes the client holds.
func NullifierPrefix(nf types.Nullifier) uint16 {
	return uint16(nf[0])<<8 | uint16(nf[1])
}

// SyncRequest asks for everything after Since that concerns the listed accounts, note tags
// and nullifier prefixes.
type SyncRequest struct {
	Since             uint32            `json:"since"`
	Accounts          []types.AccountID `json:"accounts"`
	NoteTags          []uint32          `json:"note_tags"`
	NullifierPrefixes []uint16          `json:"nullifier_prefixes"`
}

// BlockHeaderResponse carries a header and, on request, its MMR proof at the node's tip.
type BlockHeaderResponse struct {
	Header types.BlockHeader `json:"header"`
	Proof  *merkle.MmrProof  `json:"proof,omitempty"`
}

// NodeRPC is everything the client asks of a node. Responses are untrusted.
type NodeRPC interface {
	GetSyncUpdate(ctx context.Context, req *SyncRequest) (*types.SyncUpdate, error)
	SubmitTransaction(ctx context.Context, tx *types.ProvenTransaction) (*types.SubmitResult, error)
	GetAccountState(ctx context.Context, id types.AccountID) (*types.AccountSnapshot, error)
	GetBlockHeader(ctx context.Context, number uint32, withProof bool) (*BlockHeaderResponse, error)
	GetNotesByID(ctx context.Context, ids []types.NoteID) ([]types.ChainNote, error)
}

// HeadSource publishes chain heads as the node produces them.
type HeadSource interface {
	SubscribeHeads() (<-chan types.BlockHeader, func())
}

const (
	methodGetSyncUpdate     = "note_getSyncUpdate"
	methodSubmitTransaction = "note_submitTransaction"
	methodGetAccountState   = "note_getAccountState"
	methodGetBlockHeader    = "note_getBlockHeader"
	methodGetNotesByID      = "note_getNotesById"
)

type accountStateParams struct {
	ID types.AccountID `json:"id"`
}

type blockHeaderParams struct {
	Number    uint32 `json:"number"`
	WithProof bool   `json:"with_proof"`
}

type notesByIDParams struct {
	IDs []types.NoteID `json:"ids"`
}
