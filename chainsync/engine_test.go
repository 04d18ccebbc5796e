package chainsync

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/crypto"
	"github.com/colorfulnotion/noteclient/executor"
	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/prover"
	"github.com/colorfulnotion/noteclient/retry"
	"github.com/colorfulnotion/noteclient/rpc"
	"github.com/colorfulnotion/noteclient/screener"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/colorfulnotion/noteclient/transaction"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.Store
	node     *rpc.MockNode
	keys     *crypto.MemKeyStore
	reserved *transaction.Reservations
	engine   *Engine
	faucet   *types.Account
	alice    *types.Account
	bob      *types.Account
	serial   int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	faucetCode, err := types.NewAccountCode(types.ComponentFungibleFaucet)
	require.NoError(t, err)
	walletCode, err := types.NewAccountCode(types.ComponentBasicWallet, types.ComponentSingleSigAuth)
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		node:     rpc.NewMockNode(),
		keys:     crypto.NewMemKeyStore(),
		reserved: transaction.NewReservations(),
		faucet:   types.NewAccount(common.Keccak256([]byte("faucet")), types.AccountFungibleFaucet, types.StoragePublic, faucetCode, nil),
		alice:    types.NewAccount(common.Keccak256([]byte("alice")), types.AccountRegularUpdatable, types.StoragePrivate, walletCode, nil),
		bob:      types.NewAccount(common.Keccak256([]byte("bob")), types.AccountRegularUpdatable, types.StoragePublic, walletCode, nil),
	}
	kp, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	f.keys.Add(f.alice.ID, kp)
	f.engine = NewEngine(store, f.node, screener.New(f.keys), f.reserved, cfg)
	require.NoError(t, store.Update(context.Background(), func(sc *storage.Scope) error {
		for _, a := range []*types.Account{f.alice, f.bob} {
			if err := sc.PutAccount(a, types.AccountTracked); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, f.engine.EnsureGenesis(context.Background()))
	return f
}

func (f *fixture) p2id(t *testing.T, target types.AccountID, amount uint64, noteType types.NoteType) *types.Note {
	f.serial++
	a, err := types.NewFungibleAsset(f.faucet.ID, uint256.NewInt(amount))
	require.NoError(t, err)
	n, err := types.NewP2IDNote(f.faucet.ID, target, []types.Asset{a}, noteType, common.Keccak256(common.Uint32ToBytes(uint32(f.serial))))
	require.NoError(t, err)
	return n
}

func (f *fixture) produce(n int) {
	for i := 0; i < n; i++ {
		f.node.ProduceBlock()
	}
}

func (f *fixture) height(t *testing.T) uint32 {
	var h uint32
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		h, _, err = sc.SyncHeight()
		return err
	}))
	return h
}

func (f *fixture) note(t *testing.T, id types.NoteID) *types.NoteRecord {
	var rec *types.NoteRecord
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		rec, err = sc.GetNote(id)
		return err
	}))
	return rec
}

func (f *fixture) mmr(t *testing.T) *merkle.PartialMmr {
	var pm *merkle.PartialMmr
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		pm, err = sc.LoadPartialMmr()
		return err
	}))
	return pm
}

func (f *fixture) accountRecord(t *testing.T, id types.AccountID) *storage.AccountRecord {
	var rec *storage.AccountRecord
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		rec, err = sc.GetAccountRecord(id)
		return err
	}))
	return rec
}

func commits() float64 {
	return testutil.ToFloat64(telemetry.StoreCommits.WithLabelValues("ok"))
}

func TestNewCommittedNote(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.produce(10)
	_, err := f.engine.SyncToTip(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(10), f.height(t))
	before := f.accountRecord(t, f.alice.ID)

	n := f.p2id(t, f.alice.ID, 50, types.NotePublic)
	f.node.AddNote(n, nil)
	f.node.ProduceBlock()

	summary, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), summary.From)
	assert.Equal(t, uint32(11), summary.To)
	assert.Equal(t, []types.NoteID{n.ID()}, summary.NewNotes)
	assert.Equal(t, uint32(11), f.height(t))

	rec := f.note(t, n.ID())
	require.NotNil(t, rec)
	assert.Equal(t, types.NoteCommitted, rec.State)
	assert.Equal(t, uint32(11), rec.CommittedBlock)
	assert.True(t, rec.ConsumableBy(f.alice.ID, 11))
	assert.Equal(t, before, f.accountRecord(t, f.alice.ID))

	assert.True(t, f.mmr(t).IsTracked(11))
	assert.False(t, f.mmr(t).IsTracked(5))
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.node.AddNote(f.p2id(t, f.alice.ID, 50, types.NotePublic), nil)
	f.produce(3)
	_, err := f.engine.SyncToTip(ctx)
	require.NoError(t, err)

	start := commits()
	summary, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())
	assert.Equal(t, start, commits())
}

func TestTamperedResponseWritesNothing(t *testing.T) {
	cases := map[string]struct {
		tamper func(*types.SyncUpdate)
		want   error
	}{
		"note proof": {
			tamper: func(u *types.SyncUpdate) { u.Notes[0].Metadata.Aux = 99 },
			want:   clienterrors.ErrInclusionProof,
		},
		"chain root": {
			tamper: func(u *types.SyncUpdate) { u.Headers[len(u.Headers)-1].ChainRoot = common.Keccak256([]byte("forged")) },
			want:   clienterrors.ErrChainRoot,
		},
		"prev hash": {
			tamper: func(u *types.SyncUpdate) { u.Headers[1].PrevHash = common.Keccak256([]byte("forged")) },
			want:   clienterrors.ErrHeaderChain,
		},
		"gap": {
			tamper: func(u *types.SyncUpdate) { u.Headers = u.Headers[1:] },
			want:   clienterrors.ErrStaleResponse,
		},
		"stale tip": {
			tamper: func(u *types.SyncUpdate) { u.ChainTip = 0; u.Headers = nil; u.Notes = nil },
			want:   clienterrors.ErrStaleResponse,
		},
		"nullifier": {
			tamper: func(u *types.SyncUpdate) {
				u.Nullifiers = append(u.Nullifiers, types.NullifierUpdate{
					Nullifier: common.Keccak256([]byte("nf")),
					Proof:     types.InclusionProof{BlockNum: u.Headers[0].Number},
				})
			},
			want: clienterrors.ErrInclusionProof,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			ctx := context.Background()
			f.produce(2)
			_, err := f.engine.SyncToTip(ctx)
			require.NoError(t, err)

			n := f.p2id(t, f.alice.ID, 50, types.NotePublic)
			f.node.AddNote(n, nil)
			f.produce(3)
			f.node.Tamper(tc.tamper)

			start := commits()
			_, err = f.engine.SyncOnce(ctx)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, clienterrors.KindVerification, clienterrors.KindOf(err))
			assert.Equal(t, start, commits())
			assert.Equal(t, uint32(2), f.height(t))
			assert.Nil(t, f.note(t, n.ID()))
		})
	}
}

func TestHigherBlockWinsWithinBatch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	n := f.p2id(t, f.alice.ID, 50, types.NotePublic)
	f.node.AddNote(n, nil)
	f.node.ProduceBlock()
	again := n.Clone()
	again.Metadata.Aux = 7
	f.node.AddNote(again, nil)
	f.node.ProduceBlock()

	_, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	rec := f.note(t, n.ID())
	require.NotNil(t, rec)
	assert.Equal(t, uint32(2), rec.CommittedBlock)
	assert.Equal(t, uint64(7), rec.Note.Metadata.Aux)
}

func TestPrivateNotes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	kp, _ := f.keys.NoteKey(f.alice.ID)
	mine := f.p2id(t, f.alice.ID, 10, types.NotePrivate)
	sealed, err := crypto.SealNote(mine, kp.Public, rand.Reader)
	require.NoError(t, err)
	f.node.AddNote(mine, sealed)

	// same tag, but sealed to a key the client does not hold
	stranger, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	theirs := f.p2id(t, f.alice.ID, 20, types.NotePrivate)
	sealed, err = crypto.SealNote(theirs, stranger.Public, rand.Reader)
	require.NoError(t, err)
	f.node.AddNote(theirs, sealed)
	f.node.ProduceBlock()

	summary, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.NoteID{mine.ID()}, summary.NewNotes)
	assert.Nil(t, f.note(t, theirs.ID()))
}

func TestForeignNullifierConsumesNote(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	n := f.p2id(t, f.alice.ID, 10, types.NotePublic)
	f.node.AddNote(n, nil)
	f.node.ProduceBlock()
	_, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)

	f.node.SpendNullifier(n.Nullifier())
	f.node.ProduceBlock()
	summary, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.NoteID{n.ID()}, summary.ConsumedNotes)
	rec := f.note(t, n.ID())
	assert.Equal(t, types.NoteConsumed, rec.State)
	assert.Equal(t, uint32(2), rec.ConsumedBlock)
	assert.False(t, f.mmr(t).IsTracked(1))

	require.NoError(t, f.store.View(func(sc *storage.Scope) error {
		spent, at, err := sc.IsNullifierSpent(n.Nullifier())
		require.NoError(t, err)
		assert.True(t, spent)
		assert.Equal(t, uint32(2), at)
		return nil
	}))
}

func newExecutor(f *fixture) *executor.Executor {
	policy := retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return executor.New(f.store, f.node, prover.NewLocalProver(), executor.NewStandardVM(), f.reserved, policy)
}

// spend syncs a note to alice and submits a transaction consuming it.
func (f *fixture) spend(t *testing.T) (*types.Note, *types.TransactionRecord) {
	ctx := context.Background()
	n := f.p2id(t, f.alice.ID, 10, types.NotePublic)
	f.node.AddNote(n, nil)
	f.node.ProduceBlock()
	_, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)

	req, err := transaction.NewBuilder(f.store, f.reserved).Consume(f.alice.ID, []types.NoteID{n.ID()})
	require.NoError(t, err)
	rec, err := newExecutor(f).Run(ctx, req)
	require.NoError(t, err)
	return n, rec
}

func TestSubmittedTransactionCommits(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	n, tx := f.spend(t)
	require.True(t, f.reserved.IsReserved(n.ID()))
	f.node.ProduceBlock()

	summary, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.TxID{tx.ID}, summary.CommittedTransactions)
	assert.Equal(t, types.NoteConsumed, f.note(t, n.ID()).State)
	assert.False(t, f.reserved.IsReserved(n.ID()))
	assert.False(t, f.mmr(t).IsTracked(1))
	assert.Equal(t, uint64(1), f.accountRecord(t, f.alice.ID).Nonce)
	assert.Equal(t, types.AccountTracked, f.accountRecord(t, f.alice.ID).Status)
}

func TestDroppedTransactionDiscardedAfterPasses(t *testing.T) {
	f := newFixture(t, Config{MaxPendingPasses: 2})
	f.node.DropSubmissions(true)
	n, tx := f.spend(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.node.ProduceBlock()
		summary, err := f.engine.SyncOnce(ctx)
		require.NoError(t, err)
		assert.Empty(t, summary.DiscardedTransactions)
		// a pass that does not advance the height does not count
		_, err = f.engine.SyncOnce(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, types.NoteProcessing, f.note(t, n.ID()).State)

	f.node.ProduceBlock()
	summary, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.TxID{tx.ID}, summary.DiscardedTransactions)
	assert.Equal(t, types.NoteCommitted, f.note(t, n.ID()).State)
	assert.False(t, f.reserved.IsReserved(n.ID()))
	assert.Equal(t, uint64(0), f.accountRecord(t, f.alice.ID).Nonce)

	require.NoError(t, f.store.View(func(sc *storage.Scope) error {
		rec, err := sc.GetTransaction(tx.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TxDiscarded, rec.Status)
		return nil
	}))
}

func TestPrivateDivergenceLocksAccount(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	other := f.alice.Clone()
	other.Nonce = 3
	f.node.DeployAccount(other)
	f.node.ProduceBlock()

	summary, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.AccountID{f.alice.ID}, summary.LockedAccounts)
	assert.Equal(t, types.AccountLocked, f.accountRecord(t, f.alice.ID).Status)
}

func TestPublicAccountFollowsChain(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	next := f.bob.Clone()
	next.Nonce = 2
	a, err := types.NewFungibleAsset(f.faucet.ID, uint256.NewInt(9))
	require.NoError(t, err)
	require.NoError(t, next.Vault.Add(a))
	f.node.DeployAccount(next)
	f.node.ProduceBlock()

	summary, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.AccountID{f.bob.ID}, summary.UpdatedAccounts)
	rec := f.accountRecord(t, f.bob.ID)
	assert.Equal(t, next.Commitment(), rec.Commitment)
	assert.Equal(t, types.AccountTracked, rec.Status)
}

func TestPagedSyncHeightIsMonotonic(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.node.SetMaxBlocksPerSync(3)
	f.produce(10)
	ctx := context.Background()

	last := f.height(t)
	for {
		s, err := f.engine.SyncOnce(ctx)
		require.NoError(t, err)
		h := f.height(t)
		assert.GreaterOrEqual(t, h, last)
		assert.LessOrEqual(t, h-last, uint32(3))
		last = h
		if s.To == s.ChainTip {
			break
		}
	}
	assert.Equal(t, uint32(10), last)
	assert.Equal(t, uint64(11), f.mmr(t).Forest())
}

func TestGenesisMismatch(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	defer store.Close()
	wrong := common.Keccak256([]byte("other chain"))
	e := NewEngine(store, rpc.NewMockNode(), screener.New(nil), transaction.NewReservations(), Config{TrustedGenesis: &wrong})
	err = e.EnsureGenesis(context.Background())
	assert.ErrorIs(t, err, clienterrors.ErrGenesisMismatch)

	_, err = e.SyncOnce(context.Background())
	assert.ErrorIs(t, err, clienterrors.ErrGenesisMismatch)
}

func TestTrackBlock(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.produce(6)
	ctx := context.Background()
	_, err := f.engine.SyncToTip(ctx)
	require.NoError(t, err)
	require.False(t, f.mmr(t).IsTracked(3))

	f.produce(2)
	resp, err := f.node.GetBlockHeader(ctx, 3, true)
	require.NoError(t, err)
	require.NoError(t, f.engine.TrackBlock(ctx, resp.Header, *resp.Proof))
	pm := f.mmr(t)
	assert.True(t, pm.IsTracked(3))
	proof, ok := pm.Open(3)
	require.True(t, ok)
	assert.True(t, pm.VerifyInclusion(3, resp.Header.Hash(), proof.Path))

	// nothing the client holds lives in block 3, so the next pass prunes it
	f.produce(1)
	_, err = f.engine.SyncToTip(ctx)
	require.NoError(t, err)
	assert.False(t, f.mmr(t).IsTracked(3))

	resp.Header.Timestamp++
	err = f.engine.TrackBlock(ctx, resp.Header, *resp.Proof)
	assert.ErrorIs(t, err, clienterrors.ErrHeaderChain)
}

func TestLostBlockPathMakesNoteUnknown(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	kept := f.p2id(t, f.alice.ID, 10, types.NotePublic)
	f.node.AddNote(kept, nil)
	f.node.ProduceBlock()
	lost := f.p2id(t, f.alice.ID, 20, types.NotePublic)
	f.node.AddNote(lost, nil)
	f.produce(2)
	_, err := f.engine.SyncToTip(ctx)
	require.NoError(t, err)
	require.Equal(t, types.NoteCommitted, f.note(t, lost.ID()).State)
	require.True(t, f.mmr(t).IsTracked(2))

	require.NoError(t, f.store.Update(ctx, func(sc *storage.Scope) error {
		pm, err := sc.LoadPartialMmr()
		if err != nil {
			return err
		}
		pm.Untrack(2)
		return sc.PutPartialMmr(pm)
	}))

	summary, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.NoteID{lost.ID()}, summary.UnknownNotes)
	assert.Equal(t, types.NoteUnknown, f.note(t, lost.ID()).State)
	assert.Equal(t, types.NoteCommitted, f.note(t, kept.ID()).State)

	summary, err = f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())

	// a spend seen later still consumes it
	f.node.SpendNullifier(lost.Nullifier())
	f.node.ProduceBlock()
	_, err = f.engine.SyncToTip(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NoteConsumed, f.note(t, lost.ID()).State)
}

func TestHigherBlockWinsBeforeScreening(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	n := f.p2id(t, f.alice.ID, 50, types.NotePublic)
	f.node.AddNote(n, nil)
	f.node.ProduceBlock()
	// the later copy is private and sealed to nobody, so it screens as irrelevant
	again := n.Clone()
	again.Metadata.Type = types.NotePrivate
	f.node.AddNote(again, []byte{1})
	f.node.ProduceBlock()

	_, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, f.note(t, n.ID()))
	assert.False(t, f.mmr(t).IsTracked(1))
}
