package chainsync

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/types"
)

func sortedNoteIDs[T any](m map[types.NoteID]T) []types.NoteID {
	ids := make([]types.NoteID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Hex() < ids[j].Hex() })
	return ids
}

// apply writes a verified batch. It returns the transactions whose reservations must be
// released once the scope commits.
func (e *Engine) apply(sc *storage.Scope, ls *localState, b *batch, summary *SyncSummary) ([]types.TxID, error) {
	height, _, err := sc.SyncHeight()
	if err != nil {
		return nil, err
	}
	if height != ls.height {
		return nil, fmt.Errorf("sync height moved from %d to %d during the pass: %w", ls.height, height, clienterrors.ErrConflict)
	}
	advanced := b.height > ls.height

	for _, h := range b.headers {
		if err := sc.PutHeader(&types.StoredHeader{Header: h, HasClientNotes: b.tracked[h.Number]}); err != nil {
			return nil, err
		}
	}

	written := make(map[types.NoteID]*types.NoteRecord)
	for _, id := range sortedNoteIDs(b.notes) {
		in := b.notes[id]
		rec, err := sc.GetNote(id)
		if err != nil {
			return nil, err
		}
		switch {
		case rec == nil:
			rec = types.NewNoteRecord(in.note, types.NoteCommitted)
		case rec.State == types.NoteExpected:
			rec.State = types.NoteCommitted
			rec.Note = *in.note
		default:
			continue
		}
		proof := in.raw.Proof
		rec.Proof = &proof
		rec.CommittedBlock = proof.BlockNum
		rec.Consumability = in.consumability
		if block, ok := b.spent[rec.Nullifier]; ok {
			rec.State = types.NoteConsumed
			rec.ConsumedBlock = block
			summary.ConsumedNotes = append(summary.ConsumedNotes, id)
		}
		if err := sc.PutNote(rec); err != nil {
			return nil, err
		}
		written[id] = rec
		summary.NewNotes = append(summary.NewNotes, id)
	}

	nullifiers := make([]types.Nullifier, 0, len(b.spent))
	for nf := range b.spent {
		nullifiers = append(nullifiers, nf)
	}
	sort.Slice(nullifiers, func(i, j int) bool { return nullifiers[i].Hex() < nullifiers[j].Hex() })
	for _, nf := range nullifiers {
		block := b.spent[nf]
		if err := sc.MarkNullifierSpent(nf, block); err != nil {
			return nil, err
		}
		rec, err := sc.NoteByNullifier(nf)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.State == types.NoteConsumed {
			continue
		}
		if err := rec.Transition(types.NoteConsumed); err != nil {
			return nil, fmt.Errorf("%w: %w", clienterrors.ErrInvalidTransition, err)
		}
		rec.ConsumedBlock = block
		if err := sc.PutNote(rec); err != nil {
			return nil, err
		}
		written[rec.ID] = rec
		summary.ConsumedNotes = append(summary.ConsumedNotes, rec.ID)
	}

	if err := e.applyAccounts(sc, ls, b, summary); err != nil {
		return nil, err
	}
	release, err := e.applyTransactions(sc, ls, b, advanced, written, summary)
	if err != nil {
		return nil, err
	}

	pruned := b.tracker.Prune(func(block uint32) bool {
		return liveBlock(block, ls.notes, written)
	})
	if pruned > 0 {
		log.Debug(log.SyncMonitoring, "Pruned block paths", "count", pruned)
	}
	lost, err := degradeUntracked(sc, b.tracker, ls.notes, written)
	if err != nil {
		return nil, err
	}
	summary.UnknownNotes = append(summary.UnknownNotes, lost...)
	if advanced || pruned > 0 {
		if err := sc.PutPartialMmr(b.tracker.PartialMmr()); err != nil {
			return nil, err
		}
	}
	if advanced {
		if err := sc.SetSyncHeight(b.height); err != nil {
			return nil, err
		}
	}
	return release, nil
}

// liveBlock reports whether block still holds a note the client may need to prove.
func liveBlock(block uint32, before, written map[types.NoteID]*types.NoteRecord) bool {
	live := func(n *types.NoteRecord) bool {
		return n.CommittedBlock == block && provable(n)
	}
	for _, n := range written {
		if live(n) {
			return true
		}
	}
	for id, n := range before {
		if _, ok := written[id]; ok {
			continue
		}
		if live(n) {
			return true
		}
	}
	return false
}

// degradeUntracked moves Committed and Processing notes whose block path is no longer in
// tracker to Unknown. Such a note cannot be proven until it is imported again.
func degradeUntracked(sc *storage.Scope, tracker *AuthTracker, before, written map[types.NoteID]*types.NoteRecord) ([]types.NoteID, error) {
	current := make(map[types.NoteID]*types.NoteRecord, len(before))
	for id, n := range before {
		current[id] = n
	}
	for id, n := range written {
		current[id] = n
	}
	var lost []types.NoteID
	for _, id := range sortedNoteIDs(current) {
		n := current[id]
		if !provable(n) || tracker.IsTracked(n.CommittedBlock) {
			continue
		}
		rec, err := sc.GetNote(id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !provable(rec) {
			continue
		}
		rec.State = types.NoteUnknown
		if err := sc.PutNote(rec); err != nil {
			return nil, err
		}
		written[id] = rec
		lost = append(lost, id)
		log.Warn(log.SyncMonitoring, "Block path lost, note is unknown", "id", id, "block", rec.CommittedBlock)
	}
	return lost, nil
}

func provable(n *types.NoteRecord) bool {
	return n.State == types.NoteCommitted || n.State == types.NoteProcessing
}

// applyAccounts reconciles tracked accounts with the states the node committed. A private
// account whose on-chain commitment matches no local state and no pending transaction is
// locked.
func (e *Engine) applyAccounts(sc *storage.Scope, ls *localState, b *batch, summary *SyncSummary) error {
	ids := make([]types.AccountID, 0, len(b.accounts))
	for id := range b.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		snap := b.accounts[id]
		rec, err := sc.GetAccountRecord(id)
		if err != nil {
			return err
		}
		if rec == nil || rec.Commitment == snap.Commitment {
			continue
		}
		if ahead := pendingFor(ls.pending, id, func(tx *types.TransactionRecord) bool {
			return tx.InitialCommitment == snap.Commitment
		}); ahead != nil {
			log.Trace(log.SyncMonitoring, "Local account ahead of chain", "account", id, "tx", ahead.ID)
			continue
		}

		if snap.Account != nil {
			if err := sc.PutAccount(snap.Account, rec.Status); err != nil {
				return err
			}
			summary.UpdatedAccounts = append(summary.UpdatedAccounts, id)
			continue
		}

		if snap.Nonce <= rec.Nonce {
			if past, err := sc.GetAccountAtNonce(id, snap.Nonce); err == nil && past.Commitment() == snap.Commitment {
				if err := sc.RevertAccount(id, snap.Nonce); err != nil {
					return err
				}
				summary.UpdatedAccounts = append(summary.UpdatedAccounts, id)
				continue
			}
		}
		if tx := pendingFor(ls.pending, id, func(tx *types.TransactionRecord) bool {
			return tx.FinalCommitment == snap.Commitment
		}); tx != nil {
			base, err := sc.GetAccountAtNonce(id, tx.InitialNonce)
			if err != nil {
				return err
			}
			next, err := tx.Delta.Apply(base)
			if err != nil || next.Commitment() != snap.Commitment {
				return fmt.Errorf("replaying %s on %s: %w", tx.ID, id, clienterrors.ErrCommitmentMismatch)
			}
			if err := sc.PutAccount(next, rec.Status); err != nil {
				return err
			}
			summary.UpdatedAccounts = append(summary.UpdatedAccounts, id)
			continue
		}

		if rec.Status != types.AccountLocked {
			log.Warn(log.SyncMonitoring, "Private account diverged from chain, locking", "account", id,
				"local_nonce", rec.Nonce, "chain_nonce", snap.Nonce)
			if err := sc.SetAccountStatus(id, types.AccountLocked); err != nil {
				return err
			}
			summary.LockedAccounts = append(summary.LockedAccounts, id)
		}
	}
	return nil
}

func pendingFor(pending []*types.TransactionRecord, id types.AccountID, match func(*types.TransactionRecord) bool) *types.TransactionRecord {
	for _, tx := range pending {
		if tx.AccountID == id && match(tx) {
			return tx
		}
	}
	return nil
}

// applyTransactions confirms Pending records seen on chain and ages the rest. A record is
// discarded once it expires or goes unobserved for more than MaxPendingPasses passes that
// advanced the height.
func (e *Engine) applyTransactions(sc *storage.Scope, ls *localState, b *batch, advanced bool,
	written map[types.NoteID]*types.NoteRecord, summary *SyncSummary) ([]types.TxID, error) {
	var release []types.TxID
	for _, pending := range ls.pending {
		rec, err := sc.GetTransaction(pending.ID)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Status != types.TxPending {
			continue
		}
		block, confirmed := b.txs[rec.ID]
		if !confirmed {
			if snap, ok := b.accounts[rec.AccountID]; ok && snap.Commitment == rec.FinalCommitment {
				block, confirmed = snap.BlockNum, true
			}
		}

		switch {
		case confirmed:
			rec.Status = types.TxCommitted
			rec.CommittedBlock = block
			if err := sc.PutTransaction(rec); err != nil {
				return nil, err
			}
			for _, id := range rec.InputNotes {
				n, err := sc.GetNote(id)
				if err != nil {
					return nil, err
				}
				if n == nil || n.State == types.NoteConsumed {
					continue
				}
				n.State = types.NoteConsumed
				n.ConsumedBlock = block
				if err := sc.PutNote(n); err != nil {
					return nil, err
				}
				written[id] = n
				summary.ConsumedNotes = append(summary.ConsumedNotes, id)
			}
			summary.CommittedTransactions = append(summary.CommittedTransactions, rec.ID)
			release = append(release, rec.ID)
			log.Debug(log.SyncMonitoring, "Transaction committed", "tx", rec.ID, "block", block)

		case advanced:
			rec.PendingPasses++
			reason := ""
			switch {
			case rec.ExpiredAt(b.height):
				reason = fmt.Sprintf("expired at block %d", rec.ExpirationBlock)
			case rec.PendingPasses > e.cfg.MaxPendingPasses:
				reason = fmt.Sprintf("not observed after %d sync passes", e.cfg.MaxPendingPasses)
			}
			if reason == "" {
				if err := sc.PutTransaction(rec); err != nil {
					return nil, err
				}
				continue
			}
			discarded, err := sc.DiscardTransaction(rec.ID, reason)
			if err != nil {
				return nil, err
			}
			for _, id := range discarded.InputNotes {
				if n, err := sc.GetNote(id); err == nil && n != nil {
					written[id] = n
				}
			}
			summary.DiscardedTransactions = append(summary.DiscardedTransactions, rec.ID)
			release = append(release, rec.ID)
			log.Info(log.SyncMonitoring, "Transaction discarded", "tx", rec.ID, "reason", reason)
		}
	}
	return release, nil
}
