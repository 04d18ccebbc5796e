package types

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type TxID = common.Hash

type TxStatus uint8

const (
	TxPending TxStatus = iota
	TxCommitted
	TxDiscarded
)

var txStatuses = []TxStatus{TxPending, TxCommitted, TxDiscarded}

func TxStatuses() []TxStatus { return append([]TxStatus(nil), txStatuses...) }

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxCommitted:
		return "committed"
	case TxDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("tx-status(%d)", uint8(s))
	}
}

// TxStage is how far a Pending record got through execute, prove and submit.
type TxStage uint8

const (
	StageExecuted TxStage = iota
	StageProven
	StageSubmitted
)

func (s TxStage) String() string {
	switch s {
	case StageExecuted:
		return "executed"
	case StageProven:
		return "proven"
	case StageSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("tx-stage(%d)", uint8(s))
	}
}

// ExecutedTransaction is the output of running a request against local state.
type ExecutedTransaction struct {
	ID                TxID          `json:"id"`
	AccountID         AccountID     `json:"account_id"`
	InitialCommitment common.Hash   `json:"initial_commitment"`
	FinalCommitment   common.Hash   `json:"final_commitment"`
	FinalNonce        uint64        `json:"final_nonce"`
	Delta             AccountDelta  `json:"delta"`
	InputNotes        []NoteID      `json:"input_notes"`
	Nullifiers        []Nullifier   `json:"nullifiers"`
	OutputNotes       []Note        `json:"output_notes"`
	FutureNotes       []Note        `json:"future_notes,omitempty"`
	RefBlock          uint32        `json:"ref_block"`
	ExpirationBlock   uint32        `json:"expiration_block"`
	Trace             hexutil.Bytes `json:"trace"`
}

// ComputeTxID binds the state transition and the notes it consumes and creates.
func ComputeTxID(initial, final common.Hash, nullifiers []Nullifier, outputs []NoteID) TxID {
	nf := common.Keccak256(common.HashesToBytes(nullifiers))
	out := common.Keccak256(common.HashesToBytes(outputs))
	return common.Keccak256(initial[:], final[:], nf[:], out[:])
}

func (e *ExecutedTransaction) OutputNoteIDs() []NoteID {
	ids := make([]NoteID, len(e.OutputNotes))
	for i := range e.OutputNotes {
		ids[i] = e.OutputNotes[i].ID()
	}
	return ids
}

// ProvenTransaction is the bundle submitted to the node.
type ProvenTransaction struct {
	Transaction ExecutedTransaction `json:"transaction"`
	Proof       hexutil.Bytes       `json:"proof"`
}

// Rejection reasons reported by the node.
const (
	RejectStaleNonce      = "stale-nonce"
	RejectAlreadySpent    = "already-spent"
	RejectStaleCommitment = "stale-commitment"
	RejectExpired         = "expired"
	RejectInvalidProof    = "invalid-proof"
)

type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// IsConflict reports a rejection caused by state that moved underneath the transaction.
func (r SubmitResult) IsConflict() bool {
	switch r.Reason {
	case RejectStaleNonce, RejectAlreadySpent, RejectStaleCommitment, RejectExpired:
		return true
	}
	return false
}

// TransactionRecord is the persisted outcome of an executed request.
type TransactionRecord struct {
	ID                TxID          `json:"id"`
	RequestID         string        `json:"request_id"`
	AccountID         AccountID     `json:"account_id"`
	InitialCommitment common.Hash   `json:"initial_commitment"`
	FinalCommitment   common.Hash   `json:"final_commitment"`
	InitialNonce      uint64        `json:"initial_nonce"`
	FinalNonce        uint64        `json:"final_nonce"`
	Delta             AccountDelta  `json:"delta"`
	InputNotes        []NoteID      `json:"input_notes"`
	Nullifiers        []Nullifier   `json:"nullifiers"`
	OutputNotes       []NoteID      `json:"output_notes"`
	FutureNotes       []NoteID      `json:"future_notes,omitempty"`
	RefBlock          uint32        `json:"ref_block"`
	ExpirationBlock   uint32        `json:"expiration_block"`
	Stage             TxStage       `json:"stage"`
	Status            TxStatus      `json:"status"`
	Proof             hexutil.Bytes `json:"proof,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	SubmittedHeight   uint32        `json:"submitted_height,omitempty"`
	PendingPasses     uint32        `json:"pending_passes"`
	CommittedBlock    uint32        `json:"committed_block,omitempty"`
	DiscardReason     string        `json:"discard_reason,omitempty"`
}

// ExpiredAt reports whether the transaction can no longer be included at height.
func (r *TransactionRecord) ExpiredAt(height uint32) bool {
	return r.ExpirationBlock != 0 && height > r.ExpirationBlock
}
