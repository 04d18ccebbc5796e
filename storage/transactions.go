package storage

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
)

func (s *Scope) GetTransaction(id types.TxID) (*types.TransactionRecord, error) {
	var rec types.TransactionRecord
	found, err := s.getEntityJSON(txKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// PutTransaction stores rec. Committed and Discarded records are final.
func (s *Scope) PutTransaction(rec *types.TransactionRecord) error {
	prev, err := s.GetTransaction(rec.ID)
	if err != nil {
		return err
	}
	if prev != nil && prev.Status != rec.Status {
		if prev.Status != types.TxPending {
			return fmt.Errorf("transaction %s: %s -> %s: %w", rec.ID, prev.Status, rec.Status, clienterrors.ErrInvalidTransition)
		}
		if err := s.deleteRaw(txStatusKey(prev.Status, rec.ID)); err != nil {
			return err
		}
	}
	if err := s.putEntity(txKey(rec.ID), rec); err != nil {
		return err
	}
	return s.putRaw(txStatusKey(rec.Status, rec.ID), nil)
}

// TransactionsByStatus lists records with status ordered by id.
func (s *Scope) TransactionsByStatus(status types.TxStatus) ([]*types.TransactionRecord, error) {
	prefix := txStatusPrefix(status)
	var ids []types.TxID
	err := s.iterate(prefix, func(key string, _ []byte) error {
		ids = append(ids, common.HexToHash(strings.TrimPrefix(key, prefix)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.TransactionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetTransaction(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("status index points at missing transaction %s: %w", id, clienterrors.ErrCorruptData)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DiscardTransaction marks a Pending record Discarded and undoes its local effects: input
// notes still in Processing return to Committed, notes it was expected to create are
// dropped and, if the account was advanced to the record's final state, it is reverted.
// The caller releases the in-memory reservations after the scope commits.
func (s *Scope) DiscardTransaction(id types.TxID, reason string) (*types.TransactionRecord, error) {
	rec, err := s.GetTransaction(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("discard %s: %w", id, clienterrors.ErrTransactionNotFound)
	}
	if rec.Status != types.TxPending {
		return nil, fmt.Errorf("discard %s in status %s: %w", id, rec.Status, clienterrors.ErrInvalidTransition)
	}
	for _, nid := range rec.InputNotes {
		n, err := s.GetNote(nid)
		if err != nil {
			return nil, err
		}
		if n == nil || n.State != types.NoteProcessing || n.ConsumedBy == nil || *n.ConsumedBy != id {
			continue
		}
		n.State = types.NoteCommitted
		n.ConsumedBy = nil
		if err := s.PutNote(n); err != nil {
			return nil, err
		}
	}
	created := append(append([]types.NoteID(nil), rec.OutputNotes...), rec.FutureNotes...)
	for _, nid := range created {
		n, err := s.GetNote(nid)
		if err != nil {
			return nil, err
		}
		if n != nil && n.State == types.NoteExpected && n.CreatedBy != nil && *n.CreatedBy == id {
			if err := s.DeleteNote(nid); err != nil {
				return nil, err
			}
		}
	}
	acct, err := s.GetAccountRecord(rec.AccountID)
	if err != nil {
		return nil, err
	}
	if acct != nil && acct.Nonce == rec.FinalNonce && acct.Commitment == rec.FinalCommitment && rec.FinalNonce > rec.InitialNonce {
		if err := s.RevertAccount(rec.AccountID, rec.InitialNonce); err != nil {
			return nil, err
		}
	}
	rec.Status = types.TxDiscarded
	rec.DiscardReason = reason
	if err := s.PutTransaction(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
