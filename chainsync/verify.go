package chainsync

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/screener"
	"github.com/colorfulnotion/noteclient/types"
)

// incomingNote is a verified chain note the client keeps.
type incomingNote struct {
	raw           types.ChainNote
	note          *types.Note
	consumability []types.NoteConsumability
}

// batch is a verified response, ready to apply.
type batch struct {
	height   uint32
	headers  []types.BlockHeader
	tracker  *AuthTracker
	tracked  map[uint32]bool
	notes    map[types.NoteID]*incomingNote
	spent    map[types.Nullifier]uint32
	accounts map[types.AccountID]types.AccountSnapshot
	txs      map[types.TxID]uint32
}

func (b *batch) isEmpty() bool {
	return len(b.headers) == 0 && len(b.notes) == 0 && len(b.spent) == 0 &&
		len(b.accounts) == 0 && len(b.txs) == 0
}

func (b *batch) header(proof types.InclusionProof, what string) (*types.BlockHeader, error) {
	if len(b.headers) == 0 {
		return nil, fmt.Errorf("%s references block %d in a response without headers: %w", what, proof.BlockNum, clienterrors.ErrInclusionProof)
	}
	first := b.headers[0].Number
	if proof.BlockNum < first || proof.BlockNum > b.height {
		return nil, fmt.Errorf("%s references block %d outside %d..%d: %w", what, proof.BlockNum, first, b.height, clienterrors.ErrInclusionProof)
	}
	return &b.headers[proof.BlockNum-first], nil
}

// verify checks update against the local state without touching the store.
func (e *Engine) verify(ls *localState, update *types.SyncUpdate) (*batch, error) {
	if update.ChainTip < ls.height {
		return nil, fmt.Errorf("node tip %d is behind local height %d: %w", update.ChainTip, ls.height, clienterrors.ErrStaleResponse)
	}
	b := &batch{
		height:   update.LastHeight(ls.height),
		headers:  update.Headers,
		tracked:  make(map[uint32]bool),
		notes:    make(map[types.NoteID]*incomingNote),
		spent:    make(map[types.Nullifier]uint32),
		accounts: make(map[types.AccountID]types.AccountSnapshot),
		txs:      make(map[types.TxID]uint32),
	}
	if len(update.Headers) == 0 && update.ChainTip > ls.height {
		return nil, fmt.Errorf("node tip %d but no headers past %d: %w", update.ChainTip, ls.height, clienterrors.ErrStaleResponse)
	}
	if len(update.Headers) > 0 && update.Headers[0].Number != ls.height+1 {
		return nil, fmt.Errorf("response starts at %d, local height %d: %w", update.Headers[0].Number, ls.height, clienterrors.ErrStaleResponse)
	}
	if b.height > update.ChainTip {
		return nil, fmt.Errorf("headers reach %d past reported tip %d: %w", b.height, update.ChainTip, clienterrors.ErrMalformedResponse)
	}

	winners := make(map[types.NoteID]*types.ChainNote)
	var order []types.NoteID
	for i := range update.Notes {
		cn := &update.Notes[i]
		if err := authenticateNote(b, cn); err != nil {
			return nil, err
		}
		prev, ok := winners[cn.ID]
		if !ok {
			winners[cn.ID] = cn
			order = append(order, cn.ID)
			continue
		}
		if prev.Metadata != cn.Metadata {
			log.Warn(log.SyncMonitoring, "Conflicting metadata for note in one batch", "id", cn.ID,
				"block", prev.Proof.BlockNum, "other", cn.Proof.BlockNum)
		}
		if cn.Proof.BlockNum > prev.Proof.BlockNum {
			winners[cn.ID] = cn
		}
	}
	for _, id := range order {
		if err := e.screenNote(ls, b, winners[id]); err != nil {
			return nil, err
		}
	}
	for _, nu := range update.Nullifiers {
		h, err := b.header(nu.Proof, "nullifier")
		if err != nil {
			return nil, err
		}
		if !VerifyInclusion(types.NullifierLeaf(nu.Nullifier), nu.Proof, h, types.TreeNullifiers) {
			return nil, fmt.Errorf("nullifier %s in block %d: %w", nu.Nullifier, h.Number, clienterrors.ErrInclusionProof)
		}
		if prev, ok := b.spent[nu.Nullifier]; !ok || h.Number < prev {
			b.spent[nu.Nullifier] = h.Number
		}
	}
	for _, au := range update.Accounts {
		snap := au.Snapshot
		h, err := b.header(au.Proof, "account")
		if err != nil {
			return nil, err
		}
		if !VerifyInclusion(types.AccountLeaf(snap.ID, snap.Nonce, snap.Commitment), au.Proof, h, types.TreeAccounts) {
			return nil, fmt.Errorf("account %s in block %d: %w", snap.ID, h.Number, clienterrors.ErrInclusionProof)
		}
		if snap.Account != nil {
			if snap.Account.ID != snap.ID || snap.Account.Nonce != snap.Nonce || snap.Account.Commitment() != snap.Commitment {
				return nil, fmt.Errorf("account %s nonce %d: %w", snap.ID, snap.Nonce, clienterrors.ErrCommitmentMismatch)
			}
		}
		if _, ok := ls.accounts[snap.ID]; !ok {
			log.Debug(log.SyncMonitoring, "Ignoring update for untracked account", "account", snap.ID)
			continue
		}
		snap.BlockNum = h.Number
		if prev, ok := b.accounts[snap.ID]; !ok || prev.BlockNum <= h.Number {
			b.accounts[snap.ID] = snap
		}
	}
	for _, tu := range update.Transactions {
		h, err := b.header(tu.Proof, "transaction")
		if err != nil {
			return nil, err
		}
		if !VerifyInclusion(types.TransactionLeaf(tu.ID, tu.AccountID, tu.FinalCommitment), tu.Proof, h, types.TreeTransactions) {
			return nil, fmt.Errorf("transaction %s in block %d: %w", tu.ID, h.Number, clienterrors.ErrInclusionProof)
		}
		b.txs[tu.ID] = h.Number
	}

	// a block keeps its path only while it holds a note the client may still need to prove
	for _, in := range b.notes {
		if _, consumed := b.spent[in.note.Nullifier()]; !consumed {
			b.tracked[in.raw.Proof.BlockNum] = true
		}
	}
	b.tracker = ls.tracker.Clone()
	if err := b.tracker.Extend(&ls.header, update.Headers, func(n uint32) bool { return b.tracked[n] }); err != nil {
		return nil, err
	}
	return b, nil
}

// authenticateNote checks that cn opens against its block's note tree.
func authenticateNote(b *batch, cn *types.ChainNote) error {
	h, err := b.header(cn.Proof, "note")
	if err != nil {
		return err
	}
	if !VerifyInclusion(types.NoteLeaf(cn.ID, cn.Metadata), cn.Proof, h, types.TreeNotes) {
		return fmt.Errorf("note %s in block %d: %w", cn.ID, h.Number, clienterrors.ErrInclusionProof)
	}
	if cn.Details != nil && cn.Details.ID() != cn.ID {
		return fmt.Errorf("note %s details hash to %s: %w", cn.ID, cn.Details.ID(), clienterrors.ErrNoteIDMismatch)
	}
	return nil
}

// screenNote decides whether to keep an authenticated note. Notes the client expects are
// kept whatever the screener says.
func (e *Engine) screenNote(ls *localState, b *batch, cn *types.ChainNote) error {
	in := &incomingNote{raw: *cn}
	switch local := ls.notes[cn.ID]; {
	case local != nil && local.State == types.NoteExpected:
		in.note = local.Note.Clone()
		in.note.Metadata = cn.Metadata
		in.consumability = local.Consumability
		if len(in.consumability) == 0 {
			in.consumability = screener.Consumability(in.note, ls.accountIDs)
		}
	case local != nil:
		log.Trace(log.SyncMonitoring, "Note already known", "id", cn.ID, "state", local.State)
		return nil
	default:
		res, err := e.screener.Classify(cn, ls.accountIDs)
		if err != nil {
			return err
		}
		if !res.Relevant() {
			return nil
		}
		in.note = res.Note
		in.consumability = res.Consumability
	}
	b.notes[cn.ID] = in
	return nil
}
