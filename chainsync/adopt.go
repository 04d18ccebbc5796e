package chainsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/screener"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/types"
)

func storedHeader(sc *storage.Scope, number uint32) (*types.StoredHeader, error) {
	sh, err := sc.GetHeader(number)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, fmt.Errorf("block %d is past the synced height: %w", number, clienterrors.ErrStaleResponse)
	}
	return sh, nil
}

// trackBlock adds the path of a stored block to the partial MMR held by sc. Nothing is
// written when the proof does not open the block against the local peaks.
func trackBlock(sc *storage.Scope, sh *types.StoredHeader, proof merkle.MmrProof) error {
	number := sh.Header.Number
	if proof.Position != uint64(number) {
		return fmt.Errorf("proof opens position %d, not block %d: %w", proof.Position, number, clienterrors.ErrUntrackedBlockProof)
	}
	pm, err := sc.LoadPartialMmr()
	if err != nil {
		return err
	}
	tracker := NewAuthTracker(pm)
	if tracker.IsTracked(number) {
		return nil
	}
	if err := tracker.Track(&sh.Header, proof.Path); err != nil {
		return err
	}
	sh.HasClientNotes = true
	if err := sc.PutHeader(sh); err != nil {
		return err
	}
	return sc.PutPartialMmr(tracker.PartialMmr())
}

// TrackBlock starts keeping the MMR path of a stored block, using a proof produced by the
// node at any later height.
func (e *Engine) TrackBlock(ctx context.Context, header types.BlockHeader, proof merkle.MmrProof) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(ctx, func(sc *storage.Scope) error {
		sh, err := storedHeader(sc, header.Number)
		if err != nil {
			return err
		}
		if sh.Header.Hash() != header.Hash() {
			return fmt.Errorf("block %d differs from the stored header: %w", header.Number, clienterrors.ErrHeaderChain)
		}
		return trackBlock(sc, sh, proof)
	})
}

// AdoptNote stores a public note fetched outside a sync pass. header must be the stored
// header of the note's block and the note must open against it. The block's path is
// tracked in the same scope; when proof is missing or does not verify the note is kept as
// Unknown. An existing note is returned unchanged unless it is Expected or Unknown.
func (e *Engine) AdoptNote(ctx context.Context, cn *types.ChainNote, header types.BlockHeader, proof *merkle.MmrProof) (*types.NoteRecord, error) {
	if cn.Details == nil {
		return nil, fmt.Errorf("note %s has no public details: %w", cn.ID, clienterrors.ErrMalformedRequest)
	}
	if got := cn.Details.ID(); got != cn.ID {
		return nil, fmt.Errorf("note %s details hash to %s: %w", cn.ID, got, clienterrors.ErrNoteIDMismatch)
	}
	block := cn.Proof.BlockNum
	if header.Number != block {
		return nil, fmt.Errorf("header %d for a note in block %d: %w", header.Number, block, clienterrors.ErrMalformedResponse)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var rec *types.NoteRecord
	err := e.store.Update(ctx, func(sc *storage.Scope) error {
		rec = nil
		sh, err := storedHeader(sc, block)
		if err != nil {
			return err
		}
		if sh.Header.Hash() != header.Hash() {
			return fmt.Errorf("block %d differs from the stored header: %w", block, clienterrors.ErrHeaderChain)
		}
		if !VerifyInclusion(types.NoteLeaf(cn.ID, cn.Metadata), cn.Proof, &sh.Header, types.TreeNotes) {
			return fmt.Errorf("note %s in block %d: %w", cn.ID, block, clienterrors.ErrInclusionProof)
		}

		existing, err := sc.GetNote(cn.ID)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			note := cn.Details.Clone()
			note.Metadata = cn.Metadata
			rec = types.NewNoteRecord(note, types.NoteCommitted)
		case existing.State == types.NoteExpected,
			existing.State == types.NoteUnknown && existing.ConsumedBy == nil:
			rec = existing
			rec.State = types.NoteCommitted
			rec.Note.Metadata = cn.Metadata
		default:
			rec = existing
			return nil
		}
		p := cn.Proof
		rec.Proof = &p
		rec.CommittedBlock = block
		if len(rec.Consumability) == 0 {
			accounts, err := sc.ListAccounts()
			if err != nil {
				return err
			}
			tracked := make([]types.AccountID, len(accounts))
			for i, a := range accounts {
				tracked[i] = a.ID
			}
			rec.Consumability = screener.Consumability(&rec.Note, tracked)
		}
		if spent, at, err := sc.IsNullifierSpent(rec.Nullifier); err != nil {
			return err
		} else if spent {
			rec.State = types.NoteConsumed
			rec.ConsumedBlock = at
		}

		if rec.State == types.NoteCommitted {
			var err error = clienterrors.ErrUntrackedBlockProof
			if proof != nil {
				err = trackBlock(sc, sh, *proof)
			}
			if errors.Is(err, clienterrors.ErrUntrackedBlockProof) {
				log.Warn(log.SyncMonitoring, "Block path unavailable, note kept as unknown", "id", cn.ID, "block", block)
				rec.State = types.NoteUnknown
			} else if err != nil {
				return err
			}
		}
		return sc.PutNote(rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
