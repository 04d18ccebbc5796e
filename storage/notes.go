package storage

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
)

// GetNote returns nil if the note is unknown.
func (s *Scope) GetNote(id types.NoteID) (*types.NoteRecord, error) {
	var rec types.NoteRecord
	found, err := s.getEntityJSON(noteKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// PutNote inserts or replaces a note and keeps the state and nullifier indexes in step.
// A replacement must be an allowed state transition.
func (s *Scope) PutNote(rec *types.NoteRecord) error {
	prev, err := s.GetNote(rec.ID)
	if err != nil {
		return err
	}
	if prev != nil && prev.State != rec.State {
		if !prev.State.CanTransitionTo(rec.State) {
			return fmt.Errorf("note %s: %s -> %s: %w", rec.ID, prev.State, rec.State, clienterrors.ErrInvalidTransition)
		}
		if err := s.deleteRaw(noteStateKey(prev.State, rec.ID)); err != nil {
			return err
		}
	}
	if err := s.putEntity(noteKey(rec.ID), rec); err != nil {
		return err
	}
	if err := s.putRaw(noteStateKey(rec.State, rec.ID), nil); err != nil {
		return err
	}
	return s.putRaw(noteByNullifierKey(rec.Nullifier), rec.ID.Bytes())
}

// DeleteNote removes a note that never made it on chain.
func (s *Scope) DeleteNote(id types.NoteID) error {
	prev, err := s.GetNote(id)
	if err != nil || prev == nil {
		return err
	}
	if err := s.deleteRaw(noteStateKey(prev.State, id)); err != nil {
		return err
	}
	if err := s.deleteRaw(noteByNullifierKey(prev.Nullifier)); err != nil {
		return err
	}
	return s.deleteEntity(noteKey(id))
}

// NotesByState lists notes in state ordered by id.
func (s *Scope) NotesByState(state types.NoteState) ([]*types.NoteRecord, error) {
	prefix := noteStatePrefix(state)
	var ids []types.NoteID
	err := s.iterate(prefix, func(key string, _ []byte) error {
		ids = append(ids, common.HexToHash(strings.TrimPrefix(key, prefix)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.NoteRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetNote(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("state index points at missing note %s: %w", id, clienterrors.ErrCorruptData)
		}
		out = append(out, rec)
	}
	return out, nil
}

// NoteByNullifier returns the local note with nullifier nf, or nil.
func (s *Scope) NoteByNullifier(nf types.Nullifier) (*types.NoteRecord, error) {
	raw, found, err := s.getRaw(noteByNullifierKey(nf))
	if err != nil || !found {
		return nil, err
	}
	return s.GetNote(common.BytesToHash(raw))
}

// MarkNullifierSpent records that nf was observed on chain at height.
func (s *Scope) MarkNullifierSpent(nf types.Nullifier, height uint32) error {
	return s.putRaw(spentKey(nf), common.Uint32ToBytes(height))
}

// IsNullifierSpent returns the height nf was observed at.
func (s *Scope) IsNullifierSpent(nf types.Nullifier) (bool, uint32, error) {
	raw, found, err := s.getRaw(spentKey(nf))
	if err != nil || !found {
		return false, 0, err
	}
	if len(raw) != 4 {
		return false, 0, fmt.Errorf("nullifier %s: %w", nf, clienterrors.ErrCorruptData)
	}
	return true, common.BytesToUint32(raw), nil
}

// ListNotes returns every stored note ordered by id.
func (s *Scope) ListNotes() ([]*types.NoteRecord, error) {
	var ids []types.NoteID
	err := s.iterate(prefixNote, func(key string, _ []byte) error {
		ids = append(ids, common.HexToHash(strings.TrimPrefix(key, prefixNote)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.NoteRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetNote(id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
