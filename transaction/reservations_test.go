package transaction

import (
	"context"
	"testing"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveIsAllOrNothing(t *testing.T) {
	r := NewReservations()
	tx1, tx2 := common.Hash{1}, common.Hash{2}
	a, b, c := common.Hash{0xa}, common.Hash{0xb}, common.Hash{0xc}

	require.NoError(t, r.Reserve(tx1, []types.NoteID{a, b}))
	err := r.Reserve(tx2, []types.NoteID{c, b})
	require.ErrorIs(t, err, clienterrors.ErrNoteReserved)
	assert.False(t, r.IsReserved(c), "failed reservation must not hold any note")

	assert.ElementsMatch(t, []types.NoteID{a, b}, r.Release(tx1))
	assert.Equal(t, 0, r.Len())
	require.NoError(t, r.Reserve(tx2, []types.NoteID{c, b}))
	holder, ok := r.Holder(b)
	assert.True(t, ok)
	assert.Equal(t, tx2, holder)
}

func TestRebuildFromPendingRecords(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	defer store.Close()
	a, b, c := common.Hash{0xa}, common.Hash{0xb}, common.Hash{0xc}
	require.NoError(t, store.Update(context.Background(), func(sc *storage.Scope) error {
		if err := sc.PutTransaction(&types.TransactionRecord{ID: common.Hash{1}, Status: types.TxPending, InputNotes: []types.NoteID{a, b}}); err != nil {
			return err
		}
		return sc.PutTransaction(&types.TransactionRecord{ID: common.Hash{2}, Status: types.TxCommitted, InputNotes: []types.NoteID{c}})
	}))

	r := NewReservations()
	require.NoError(t, r.Reserve(common.Hash{9}, []types.NoteID{c}))
	require.NoError(t, store.View(r.Rebuild))
	assert.True(t, r.IsReserved(a))
	assert.True(t, r.IsReserved(b))
	assert.False(t, r.IsReserved(c))
}
