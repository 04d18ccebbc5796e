package types

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NoteState is the local lifecycle of a note.
type NoteState uint8

const (
	NoteExpected NoteState = iota
	NoteCommitted
	NoteProcessing
	NoteConsumed
	NoteUnknown
)

var noteStates = []NoteState{NoteExpected, NoteCommitted, NoteProcessing, NoteConsumed, NoteUnknown}

// NoteStates lists every state in declaration order.
func NoteStates() []NoteState { return append([]NoteState(nil), noteStates...) }

func (s NoteState) String() string {
	switch s {
	case NoteExpected:
		return "expected"
	case NoteCommitted:
		return "committed"
	case NoteProcessing:
		return "processing"
	case NoteConsumed:
		return "consumed"
	case NoteUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("note-state(%d)", uint8(s))
	}
}

// CanTransitionTo encodes the allowed moves. Processing is the reservation overlay on top of
// Committed, so releasing a reservation returns to Committed. An Unknown note becomes
// Committed again once its block is re-authenticated. Consumed is terminal.
func (s NoteState) CanTransitionTo(next NoteState) bool {
	if s == next {
		return false
	}
	switch s {
	case NoteExpected:
		return next == NoteCommitted || next == NoteConsumed || next == NoteUnknown
	case NoteCommitted:
		return next == NoteProcessing || next == NoteConsumed || next == NoteUnknown
	case NoteProcessing:
		return next == NoteCommitted || next == NoteConsumed || next == NoteUnknown
	case NoteUnknown:
		return next == NoteCommitted || next == NoteConsumed
	default:
		return false
	}
}

// InclusionProof opens a leaf of one of a block's trees.
type InclusionProof struct {
	BlockNum uint32        `json:"block_num"`
	Index    uint64        `json:"index"`
	Path     []common.Hash `json:"path"`
}

// NoteConsumability says which tracked account may consume a note, and from which height.
type NoteConsumability struct {
	Account    AccountID `json:"account"`
	AfterBlock uint32    `json:"after_block,omitempty"`
}

func (c NoteConsumability) Now() bool { return c.AfterBlock == 0 }

func (c NoteConsumability) ConsumableAt(height uint32) bool { return height >= c.AfterBlock }

// NoteRecord is the store's view of a note.
type NoteRecord struct {
	ID             NoteID              `json:"id"`
	Note           Note                `json:"note"`
	Nullifier      Nullifier           `json:"nullifier"`
	State          NoteState           `json:"state"`
	Proof          *InclusionProof     `json:"proof,omitempty"`
	CommittedBlock uint32              `json:"committed_block,omitempty"`
	ConsumedBlock  uint32              `json:"consumed_block,omitempty"`
	CreatedBy      *TxID               `json:"created_by,omitempty"`
	ConsumedBy     *TxID               `json:"consumed_by,omitempty"`
	Consumability  []NoteConsumability `json:"consumability,omitempty"`
}

func NewNoteRecord(n *Note, state NoteState) *NoteRecord {
	return &NoteRecord{
		ID:        n.ID(),
		Note:      *n.Clone(),
		Nullifier: n.Nullifier(),
		State:     state,
	}
}

// Transition moves the record to next or reports why it cannot.
func (r *NoteRecord) Transition(next NoteState) error {
	if !r.State.CanTransitionTo(next) {
		return fmt.Errorf("note %s: %s -> %s not allowed", r.ID, r.State, next)
	}
	r.State = next
	return nil
}

// ConsumableBy reports whether account may consume the note at height.
func (r *NoteRecord) ConsumableBy(account AccountID, height uint32) bool {
	for _, c := range r.Consumability {
		if c.Account == account && c.ConsumableAt(height) {
			return true
		}
	}
	return false
}

// ChainNote is a note as the node reports it. Private notes arrive sealed.
type ChainNote struct {
	ID       NoteID         `json:"id"`
	Metadata NoteMetadata   `json:"metadata"`
	Details  *Note          `json:"details,omitempty"`
	Sealed   hexutil.Bytes  `json:"sealed,omitempty"`
	Proof    InclusionProof `json:"proof"`
}
