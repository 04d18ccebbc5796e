package transaction

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/colorfulnotion/noteclient/types"
)

// Reservations is the in-memory set of notes held by pending transactions. It is derived
// state: Rebuild restores it from the store's Pending records after a restart.
type Reservations struct {
	mu    sync.RWMutex
	notes map[types.NoteID]types.TxID
	byTx  map[types.TxID][]types.NoteID
}

func NewReservations() *Reservations {
	return &Reservations{
		notes: make(map[types.NoteID]types.TxID),
		byTx:  make(map[types.TxID][]types.NoteID),
	}
}

// Reserve holds every note in ids for tx, or none of them.
func (r *Reservations) Reserve(tx types.TxID, ids []types.NoteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if holder, ok := r.notes[id]; ok && holder != tx {
			return fmt.Errorf("note %s held by %s: %w", id, holder, clienterrors.ErrNoteReserved)
		}
	}
	for _, id := range ids {
		if _, ok := r.notes[id]; ok {
			continue
		}
		r.notes[id] = tx
		r.byTx[tx] = append(r.byTx[tx], id)
	}
	telemetry.ReservedNotes.Set(float64(len(r.notes)))
	return nil
}

// Release frees every note held by tx and returns them.
func (r *Reservations) Release(tx types.TxID) []types.NoteID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byTx[tx]
	delete(r.byTx, tx)
	for _, id := range ids {
		delete(r.notes, id)
	}
	telemetry.ReservedNotes.Set(float64(len(r.notes)))
	return ids
}

func (r *Reservations) IsReserved(id types.NoteID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.notes[id]
	return ok
}

// Holder returns the transaction holding id.
func (r *Reservations) Holder(id types.NoteID) (types.TxID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.notes[id]
	return tx, ok
}

func (r *Reservations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notes)
}

// Rebuild replaces the overlay with the inputs of every Pending record in the store.
func (r *Reservations) Rebuild(sc *storage.Scope) error {
	pending, err := sc.TransactionsByStatus(types.TxPending)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = make(map[types.NoteID]types.TxID)
	r.byTx = make(map[types.TxID][]types.NoteID)
	for _, rec := range pending {
		for _, id := range rec.InputNotes {
			if holder, ok := r.notes[id]; ok {
				return fmt.Errorf("note %s held by %s and %s: %w", id, holder, rec.ID, clienterrors.ErrCorruptData)
			}
			r.notes[id] = rec.ID
			r.byTx[rec.ID] = append(r.byTx[rec.ID], id)
		}
	}
	telemetry.ReservedNotes.Set(float64(len(r.notes)))
	log.Debug(log.TxMonitoring, "Rebuilt note reservations", "pending", len(pending), "notes", len(r.notes))
	return nil
}
