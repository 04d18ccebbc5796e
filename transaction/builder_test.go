package transaction

import (
	"context"
	"testing"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.Store
	reserved *Reservations
	builder  *Builder
	faucet   *types.Account
	alice    *types.Account
	bob      *types.Account
	serials  int
}

func newFixture(t *testing.T) *fixture {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	faucetCode, err := types.NewAccountCode(types.ComponentFungibleFaucet, types.ComponentSingleSigAuth)
	require.NoError(t, err)
	walletCode, err := types.NewAccountCode(types.ComponentBasicWallet, types.ComponentSingleSigAuth)
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		reserved: NewReservations(),
		faucet:   types.NewAccount(common.Keccak256([]byte("faucet")), types.AccountFungibleFaucet, types.StoragePublic, faucetCode, nil),
		alice:    types.NewAccount(common.Keccak256([]byte("alice")), types.AccountRegularUpdatable, types.StoragePrivate, walletCode, nil),
		bob:      types.NewAccount(common.Keccak256([]byte("bob")), types.AccountRegularUpdatable, types.StoragePublic, walletCode, nil),
	}
	f.builder = NewBuilder(store, f.reserved)
	f.builder.SetSerialSource(func() (common.Hash, error) {
		f.serials++
		return common.Keccak256(common.Uint32ToBytes(uint32(f.serials))), nil
	})
	require.NoError(t, store.Update(context.Background(), func(sc *storage.Scope) error {
		for _, a := range []*types.Account{f.faucet, f.alice, f.bob} {
			if err := sc.PutAccount(a, types.AccountTracked); err != nil {
				return err
			}
		}
		return sc.SetSyncHeight(10)
	}))
	return f
}

func (f *fixture) asset(t *testing.T, amount uint64) types.Asset {
	a, err := types.NewFungibleAsset(f.faucet.ID, uint256.NewInt(amount))
	require.NoError(t, err)
	return a
}

// addNote stores a P2ID note to alice in state at block.
func (f *fixture) addNote(t *testing.T, serial string, amount uint64, state types.NoteState, block uint32) *types.NoteRecord {
	n, err := types.NewP2IDNote(f.faucet.ID, f.alice.ID, []types.Asset{f.asset(t, amount)}, types.NotePublic, common.Keccak256([]byte(serial)))
	require.NoError(t, err)
	rec := types.NewNoteRecord(n, state)
	rec.CommittedBlock = block
	rec.Consumability = []types.NoteConsumability{{Account: f.alice.ID}}
	require.NoError(t, f.store.Update(context.Background(), func(sc *storage.Scope) error { return sc.PutNote(rec) }))
	return rec
}

func TestConsumeRejectsNoteNotCommitted(t *testing.T) {
	f := newFixture(t)
	expected := f.addNote(t, "e", 5, types.NoteExpected, 0)

	_, err := f.builder.Consume(f.alice.ID, []types.NoteID{expected.ID})
	require.ErrorIs(t, err, clienterrors.ErrInsufficientNotes)
	assert.Equal(t, clienterrors.KindPrecondition, clienterrors.KindOf(err))

	require.NoError(t, f.store.View(func(sc *storage.Scope) error {
		rec, err := sc.GetNote(expected.ID)
		require.NoError(t, err)
		assert.Equal(t, types.NoteExpected, rec.State)
		return nil
	}))
	assert.Equal(t, 0, f.reserved.Len())
}

func TestConsumeChecksReservationAndConsumability(t *testing.T) {
	f := newFixture(t)
	n := f.addNote(t, "c", 5, types.NoteCommitted, 3)

	_, err := f.builder.Consume(f.bob.ID, []types.NoteID{n.ID})
	assert.ErrorIs(t, err, clienterrors.ErrNotConsumable)

	require.NoError(t, f.reserved.Reserve(common.Keccak256([]byte("tx")), []types.NoteID{n.ID}))
	_, err = f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	assert.ErrorIs(t, err, clienterrors.ErrNoteReserved)

	f.reserved.Release(common.Keccak256([]byte("tx")))
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)
	assert.Equal(t, []types.NoteID{n.ID}, req.InputNoteIDs())
	assert.Equal(t, IntentConsume, req.Intent())
	assert.NotEmpty(t, req.ID())
}

func TestSendSelectsOldestNotesDeterministically(t *testing.T) {
	f := newFixture(t)
	old := f.addNote(t, "old", 4, types.NoteCommitted, 2)
	mid := f.addNote(t, "mid", 4, types.NoteCommitted, 5)
	f.addNote(t, "new", 4, types.NoteCommitted, 8)
	f.addNote(t, "pending", 100, types.NoteExpected, 0)

	p := SendParams{Sender: f.alice.ID, Target: f.bob.ID, Assets: []types.Asset{f.asset(t, 7)}, NoteType: types.NotePrivate}
	first, err := f.builder.Send(p)
	require.NoError(t, err)
	second, err := f.builder.Send(p)
	require.NoError(t, err)
	assert.Equal(t, []types.NoteID{old.ID, mid.ID}, first.InputNoteIDs())
	assert.Equal(t, first.InputNoteIDs(), second.InputNoteIDs())
	require.Len(t, first.OwnOutputNotes(), 1)
	target, err := first.OwnOutputNotes()[0].P2IDTarget()
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID, target)

	p.Assets = []types.Asset{f.asset(t, 13)}
	_, err = f.builder.Send(p)
	assert.ErrorIs(t, err, clienterrors.ErrInsufficientFunds)
	assert.Equal(t, 0, f.reserved.Len())
}

func TestSwapRecordsPayback(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "funds", 10, types.NoteCommitted, 1)
	req, err := f.builder.Swap(SwapParams{Account: f.alice.ID, Offered: f.asset(t, 6), Requested: f.asset(t, 2), NoteType: types.NotePublic})
	require.NoError(t, err)
	require.Len(t, req.OwnOutputNotes(), 1)
	require.Len(t, req.ExpectedFutureNotes(), 1)
	swap := req.OwnOutputNotes()[0]
	_, payback, err := swap.SwapTerms()
	require.NoError(t, err)
	assert.Equal(t, payback.ID(), req.ExpectedFutureNotes()[0].ID())
}

func TestMintRequiresFaucet(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder.Mint(f.alice.ID, f.bob.ID, uint256.NewInt(5), types.NotePublic)
	assert.ErrorIs(t, err, clienterrors.ErrMalformedRequest)

	req, err := f.builder.Mint(f.faucet.ID, f.bob.ID, uint256.NewInt(5), types.NotePublic)
	require.NoError(t, err)
	assert.Equal(t, IntentMint, req.Intent())
	assert.Empty(t, req.InputNoteIDs())
}

func TestLockedAccountCannotBuild(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "c", 5, types.NoteCommitted, 3)
	require.NoError(t, f.store.Update(context.Background(), func(sc *storage.Scope) error {
		return sc.SetAccountStatus(f.alice.ID, types.AccountLocked)
	}))
	_, err := f.builder.ConsumeAll(f.alice.ID)
	assert.ErrorIs(t, err, clienterrors.ErrAccountLocked)
}

func TestRequestIsImmutable(t *testing.T) {
	f := newFixture(t)
	n, err := types.NewP2IDNote(f.alice.ID, f.bob.ID, []types.Asset{f.asset(t, 1)}, types.NotePublic, common.Hash{1})
	require.NoError(t, err)
	req, err := NewRequestBuilder(f.alice.ID).WithOwnOutputNotes(n).Build()
	require.NoError(t, err)

	outs := req.OwnOutputNotes()
	outs[0].Assets[0].Amount.SetUint64(1000)
	assert.Equal(t, uint64(1), req.OwnOutputNotes()[0].Assets[0].Amount.Uint64())

	_, err = NewRequestBuilder(f.alice.ID).Build()
	assert.ErrorIs(t, err, clienterrors.ErrMalformedRequest)
	_, err = NewRequestBuilder(f.alice.ID).WithInputNotes(n.ID(), n.ID()).Build()
	assert.ErrorIs(t, err, clienterrors.ErrMalformedRequest)
}
